/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

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
package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/valpere/subtran/internal/corpus"
)

var errorsLimit int

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Inspect the error corpus",
	Long: `Groups whose line count still did not match after the log threshold are
appended to errors.jsonl in the data directory. The corpus is meant for
reviewing inputs the model finds hard and for tuning prompts.`,
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent error corpus records",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := corpus.Load(cfg.CorpusPath())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("Error corpus is empty.")
			return nil
		}

		if errorsLimit > 0 && len(records) > errorsLimit {
			records = records[len(records)-errorsLimit:]
		}

		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				r.Time.Format("2006-01-02 15:04:05"),
				strconv.Itoa(r.Attempt),
				truncate(r.Input, 50),
				truncate(r.Output, 50),
			})
		}
		fmt.Println(renderTable(
			[]string{"Time", "Attempt", "Input", "Output"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
		))
		fmt.Printf("%s\n", cfg.CorpusPath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(errorsCmd)

	errorsListCmd.Flags().IntVarP(&errorsLimit, "limit", "n", 20, "Show at most this many records (0 for all)")
	errorsCmd.AddCommand(errorsListCmd)
}
