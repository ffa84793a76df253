// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tapestryhq/tapestry/internal/config"
	"github.com/tapestryhq/tapestry/signing"
)

func keygenCommand() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new signing key",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				slog.Error("no config found in context")
				os.Exit(1)
			}
			if outFile == "" {
				outFile = cfg.KeyFile
			}
			if _, err := os.Stat(outFile); err == nil {
				slog.Error(
					"key file already exists, refusing to overwrite",
					"path", outFile,
				)
				os.Exit(1)
			}
			if cfg.ServerName == "" {
				slog.Error(
					"no server name configured " +
						"(set serverName or TAPESTRY_SERVER_NAME)",
				)
				os.Exit(1)
			}
			keyPair, err := signing.GenerateKeyPair(cfg.ServerName)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			if err := keyPair.Save(outFile); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			fmt.Printf("wrote %s\n", outFile)
			fmt.Printf("key ID:     %s\n", keyPair.KeyID)
			fmt.Printf(
				"public key: %s\n",
				base64.RawURLEncoding.EncodeToString(keyPair.Public),
			)
		},
	}
	cmd.Flags().
		StringVarP(&outFile, "out", "o", "", "output key file path (defaults to configured key file)")
	return cmd
}
