// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides the veilchat client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/veilchat/veilchat/backup"
	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/devices"
	"github.com/veilchat/veilchat/e2ee"
	"github.com/veilchat/veilchat/keyrequest"
	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/sessions"
	"github.com/veilchat/veilchat/trust"
	"github.com/veilchat/veilchat/wire"
)

const (
	defaultLogLevel = "NOTICE"
	defaultStateDB  = "state.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Account identifies the local user and device.
type Account struct {
	// UserID is the fully qualified user id (eg: @alice:example.org).
	UserID string

	// DeviceID is this device's identifier.
	DeviceID string

	// DataDir is the absolute path to the client's state files.
	DataDir string
}

func (aCfg *Account) validate() error {
	if !strings.HasPrefix(aCfg.UserID, "@") || !strings.Contains(aCfg.UserID, ":") {
		return fmt.Errorf("config: Account: UserID '%v' is invalid", aCfg.UserID)
	}
	if aCfg.DeviceID == "" {
		return errors.New("config: Account: DeviceID is not set")
	}
	if !filepath.IsAbs(aCfg.DataDir) {
		return fmt.Errorf("config: Account: DataDir '%v' is not an absolute path", aCfg.DataDir)
	}
	return nil
}

// Logging is the veilchat logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Directory is the device list tracking configuration.
type Directory struct {
	// ChunkSize bounds the number of users per key query request.
	ChunkSize int

	// MaxConcurrentChunks bounds how many chunked key queries are in
	// flight at once.
	MaxConcurrentChunks int

	// FlushDelay is the snapshot debounce delay in milliseconds.
	FlushDelay int

	// RejectKeyChanges downgrades a device to unverified when it
	// presents a changed signing key.
	RejectKeyChanges bool
}

func (dCfg *Directory) validate() error {
	if dCfg.ChunkSize < 0 || dCfg.MaxConcurrentChunks < 0 || dCfg.FlushDelay < 0 {
		return errors.New("config: Directory: negative values are invalid")
	}
	return nil
}

// Trust is the trust policy configuration.
type Trust struct {
	// TrustCrossSignedDevices makes a valid cross-signing chain count
	// towards device verification.
	TrustCrossSignedDevices bool
}

// Sessions is the session engine configuration.
type Sessions struct {
	// OnlyShareToVerified withholds group session keys from devices
	// that are not verified.
	OnlyShareToVerified bool

	// RotationPeriod bounds the age of an outbound group session in
	// milliseconds.
	RotationPeriod int

	// RotationMessages bounds how many messages an outbound group
	// session encrypts before rotation.
	RotationMessages int

	// OneTimeKeyTarget is how many unpublished one-time keys to keep
	// available on the server.
	OneTimeKeyTarget int
}

func (sCfg *Sessions) validate() error {
	if sCfg.RotationPeriod < 0 || sCfg.RotationMessages < 0 || sCfg.OneTimeKeyTarget < 0 {
		return errors.New("config: Sessions: negative values are invalid")
	}
	return nil
}

// Backup is the key backup configuration.
type Backup struct {
	// BatchSize bounds how many sessions one upload carries.
	BatchSize int

	// InitialJitterMax delays the first upload of a pass by a uniformly
	// random duration up to this many milliseconds.
	InitialJitterMax int
}

func (bCfg *Backup) validate() error {
	if bCfg.BatchSize < 0 || bCfg.InitialJitterMax < 0 {
		return errors.New("config: Backup: negative values are invalid")
	}
	return nil
}

// KeyRequests is the outgoing key request configuration.
type KeyRequests struct {
	// ScanInterval is how often the background scan looks for requests
	// needing a send, in milliseconds.
	ScanInterval int

	// MaxAttempts bounds consecutive failed send passes before the loop
	// gives up until the next trigger or scan.
	MaxAttempts int
}

func (kCfg *KeyRequests) validate() error {
	if kCfg.ScanInterval < 0 || kCfg.MaxAttempts < 0 {
		return errors.New("config: KeyRequests: negative values are invalid")
	}
	return nil
}

// Config is the top level veilchat client configuration.
type Config struct {
	Account     *Account
	Logging     *Logging
	Directory   *Directory
	Trust       *Trust
	Sessions    *Sessions
	Backup      *Backup
	KeyRequests *KeyRequests
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	// The Account section is mandatory, everything else is optional.
	if cfg.Account == nil {
		return errors.New("config: No Account block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Directory == nil {
		cfg.Directory = &Directory{}
	}
	if cfg.Trust == nil {
		cfg.Trust = &Trust{}
	}
	if cfg.Sessions == nil {
		cfg.Sessions = &Sessions{}
	}
	if cfg.Backup == nil {
		cfg.Backup = &Backup{}
	}
	if cfg.KeyRequests == nil {
		cfg.KeyRequests = &KeyRequests{}
	}

	if err := cfg.Account.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Directory.validate(); err != nil {
		return err
	}
	if err := cfg.Sessions.validate(); err != nil {
		return err
	}
	if err := cfg.Backup.validate(); err != nil {
		return err
	}
	return cfg.KeyRequests.validate()
}

// StorePath returns the path of the state database under DataDir.
func (cfg *Config) StorePath() string {
	return filepath.Join(cfg.Account.DataDir, defaultStateDB)
}

// InitLogBackend creates the log backend described by the Logging
// section.
func (cfg *Config) InitLogBackend() (*log.Backend, error) {
	f := cfg.Logging.File
	if !cfg.Logging.Disable && f != "" && !filepath.IsAbs(f) {
		return nil, errors.New("config: Logging: File must be an absolute path")
	}
	return log.New(f, cfg.Logging.Level, cfg.Logging.Disable)
}

// MachineConfig materializes the encryption core configuration.  Zero
// valued entries fall through to each component's own defaults.
func (cfg *Config) MachineConfig(pickleKey olm.PickleKey) e2ee.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return e2ee.Config{
		OwnUserID:   wire.UserID(cfg.Account.UserID),
		OwnDeviceID: wire.DeviceID(cfg.Account.DeviceID),
		PickleKey:   pickleKey,
		Devices: devices.Options{
			ChunkSize:           cfg.Directory.ChunkSize,
			MaxConcurrentChunks: cfg.Directory.MaxConcurrentChunks,
			FlushDelay:          ms(cfg.Directory.FlushDelay),
			RejectKeyChanges:    cfg.Directory.RejectKeyChanges,
		},
		Trust: trust.Options{
			TrustCrossSignedDevices: cfg.Trust.TrustCrossSignedDevices,
		},
		Sessions: sessions.Options{
			OnlyShareToVerified: cfg.Sessions.OnlyShareToVerified,
			RotationPeriod:      ms(cfg.Sessions.RotationPeriod),
			RotationMessages:    uint32(cfg.Sessions.RotationMessages),
			OneTimeKeyTarget:    cfg.Sessions.OneTimeKeyTarget,
		},
		Backup: backup.Options{
			BatchSize:        cfg.Backup.BatchSize,
			InitialJitterMax: ms(cfg.Backup.InitialJitterMax),
		},
		KeyRequests: keyrequest.Options{
			ScanInterval: ms(cfg.KeyRequests.ScanInterval),
			MaxAttempts:  cfg.KeyRequests.MaxAttempts,
		},
	}
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
