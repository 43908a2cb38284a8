// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// veilchat-recovery generates and checks key backup recovery keys.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"

	"github.com/veilchat/veilchat/backup"
)

var rootCmd = &cobra.Command{
	Use:           "veilchat-recovery",
	Short:         "Key backup recovery key tool",
	Long:          "A CLI tool for generating, deriving and checking veilchat key backup recovery keys.",
	Version:       versioninfo.Short(),
	SilenceErrors: true,
	SilenceUsage:  true,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a fresh recovery key",
	Run: func(cmd *cobra.Command, args []string) {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			log.Fatalf("failed to generate key: %v", err)
		}
		printKey(cmd, key)
	},
}

var deriveCmd = &cobra.Command{
	Use:   "derive PASSPHRASE",
	Short: "Derive the recovery key from a backup passphrase",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		salt, _ := cmd.Flags().GetString("salt")
		iterations, _ := cmd.Flags().GetInt("iterations")
		info := &backup.PassphraseInfo{
			Algorithm:  "m.pbkdf2",
			Salt:       salt,
			Iterations: iterations,
		}
		key, err := info.Key(args[0])
		if err != nil {
			log.Fatalf("failed to derive key: %v", err)
		}
		printKey(cmd, key)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check RECOVERY-KEY",
	Short: "Check a recovery key's encoding and, optionally, a backup's auth data",
	Long: "Check decodes the recovery key, verifying its prefix and parity.\n" +
		"With --auth-data it additionally verifies the key against a backup\n" +
		"version's auth_data JSON.",
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, err := backup.DecodeRecoveryKey(strings.Join(args, " "))
		if err != nil {
			log.Fatalf("invalid recovery key: %v", err)
		}
		fmt.Println("recovery key is well formed")

		authDataFile, _ := cmd.Flags().GetString("auth-data")
		if authDataFile != "" {
			authData, err := os.ReadFile(authDataFile)
			if err != nil {
				log.Fatalf("failed to read auth data: %v", err)
			}
			algorithmID, _ := cmd.Flags().GetString("algorithm")
			alg, err := backup.NewAlgorithm(algorithmID)
			if err != nil {
				log.Fatalf("%v", err)
			}
			ok, err := alg.KeyMatches(key, authData)
			if err != nil {
				log.Fatalf("failed to check key: %v", err)
			}
			if !ok {
				log.Fatalf("recovery key does not match the backup's auth data")
			}
			fmt.Println("recovery key matches the backup's auth data")
		}

		if show, _ := cmd.Flags().GetBool("show-key"); show {
			fmt.Printf("key: %s\n", hex.EncodeToString(key))
		}
	},
}

func printKey(cmd *cobra.Command, key []byte) {
	fmt.Println(backup.EncodeRecoveryKey(key))
	if show, _ := cmd.Flags().GetBool("show-key"); show {
		fmt.Printf("key: %s\n", hex.EncodeToString(key))
	}
}

func main() {
	generateCmd.Flags().Bool("show-key", false, "also print the raw key as hex")

	deriveCmd.Flags().String("salt", "", "pbkdf2 salt from the backup's auth data")
	deriveCmd.Flags().Int("iterations", 500000, "pbkdf2 iteration count")
	deriveCmd.Flags().Bool("show-key", false, "also print the raw key as hex")

	checkCmd.Flags().String("auth-data", "", "path to the backup version's auth_data JSON")
	checkCmd.Flags().String("algorithm", backup.AlgorithmSymmetric, "backup algorithm id")
	checkCmd.Flags().Bool("show-key", false, "also print the raw key as hex")

	rootCmd.AddCommand(generateCmd, deriveCmd, checkCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
