/*
Copyright 2025 Churnpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/churnlabs/churnpipe/database"
)

// migrateCommands returns the command that creates or updates the database
// schema. The schema statements are idempotent, so running it against an
// initialized database is safe.
func migrateCommands(b *pipelineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "create the churnpipe database schema",
		Run: func(cmd *cobra.Command, args []string) {
			db, err := database.ConnectDB(b.cnf.DataSource.Dns)
			if err != nil {
				log.Fatalf("migration failed: %v", err)
			}
			defer db.Close()
			log.Println("database schema is up to date")
		},
	}

	return cmd
}
