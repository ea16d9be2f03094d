// Command batchctl is a small operator CLI over the batchserv REST API.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
)

// apiError carries the HTTP status of a failed API call so main can pick
// the exit code.
type apiError struct {
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Msg, e.Code)
}

func main() {
	root := &cobra.Command{
		Use:           "batchctl",
		Short:         "Inspect and control batchserv batches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server",
		envOr("BATCHSERV_URL", "http://localhost:8080"), "batchserv base URL")
	root.PersistentFlags().StringVar(&authToken, "token",
		os.Getenv("BATCHSERV_TOKEN"), "bearer token for the user API")

	root.AddCommand(batchesCmd(), jobsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "batchctl:", err)
		var ae *apiError
		if errors.As(err, &ae) {
			switch {
			case ae.Code == http.StatusNotFound:
				os.Exit(1)
			case ae.Code == http.StatusBadRequest:
				os.Exit(2)
			}
		}
		os.Exit(3)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func batchesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "batches", Short: "Operate on batches"}

	var query string
	var last int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List your batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1alpha/batches?q=" + query
			if last > 0 {
				path += fmt.Sprintf("&last_batch_id=%d", last)
			}
			return call(http.MethodGet, path, nil)
		},
	}
	list.Flags().StringVarP(&query, "query", "q", "", "filter terms, e.g. 'running has:project'")
	list.Flags().Int64Var(&last, "last", 0, "pagination cursor from the previous page")

	get := &cobra.Command{
		Use:   "get <batch-id>",
		Short: "Show one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1alpha/batches/"+args[0], nil)
		},
	}

	var billingProject, token, callback string
	var nJobs int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"billing_project": billingProject,
				"token":           token,
				"n_jobs":          nJobs,
			}
			if callback != "" {
				body["callback"] = callback
			}
			return call(http.MethodPost, "/api/v1alpha/batches/create", body)
		},
	}
	create.Flags().StringVar(&billingProject, "billing-project", "", "billing project to charge")
	create.Flags().StringVar(&token, "idempotency-token", "", "client token; retries with the same token return the same batch")
	create.Flags().IntVar(&nJobs, "n-jobs", 0, "declared job count")
	create.Flags().StringVar(&callback, "callback", "", "URL POSTed once on batch completion")
	create.MarkFlagRequired("billing-project")
	create.MarkFlagRequired("idempotency-token")

	closeCmd := &cobra.Command{
		Use:   "close <batch-id>",
		Short: "Close a batch so it starts running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPatch, "/api/v1alpha/batches/"+args[0]+"/close", nil)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPatch, "/api/v1alpha/batches/"+args[0]+"/cancel", nil)
		},
	}

	del := &cobra.Command{
		Use:   "delete <batch-id>",
		Short: "Delete a batch and its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/api/v1alpha/batches/"+args[0], nil)
		},
	}

	cmd.AddCommand(list, get, create, closeCmd, cancel, del)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Operate on jobs"}

	var query string
	list := &cobra.Command{
		Use:   "list <batch-id>",
		Short: "List a batch's jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1alpha/batches/"+args[0]+"/jobs?q="+query, nil)
		},
	}
	list.Flags().StringVarP(&query, "query", "q", "", "filter terms, e.g. 'live'")

	get := &cobra.Command{
		Use:   "get <batch-id> <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1alpha/batches/"+args[0]+"/jobs/"+args[1], nil)
		},
	}

	attempts := &cobra.Command{
		Use:   "attempts <batch-id> <job-id>",
		Short: "Show a job's attempts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1alpha/batches/"+args[0]+"/jobs/"+args[1]+"/attempts", nil)
		},
	}

	logCmd := &cobra.Command{
		Use:   "log <batch-id> <job-id>",
		Short: "Fetch a job's task logs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1alpha/batches/"+args[0]+"/jobs/"+args[1]+"/log", nil)
		},
	}

	var specsFile string
	submit := &cobra.Command{
		Use:   "submit <batch-id>",
		Short: "Submit a bunch of job specs from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(specsFile)
			if err != nil {
				return err
			}
			var specs []json.RawMessage
			if err := json.Unmarshal(data, &specs); err != nil {
				return fmt.Errorf("%s is not a JSON array of job specs: %v", specsFile, err)
			}
			return call(http.MethodPost, "/api/v1alpha/batches/"+args[0]+"/jobs/create", specs)
		},
	}
	submit.Flags().StringVarP(&specsFile, "file", "f", "", "JSON file holding the bunch")
	submit.MarkFlagRequired("file")

	cmd.AddCommand(list, get, attempts, logCmd, submit)
	return cmd
}

// call performs one API request and pretty-prints the JSON response.
func call(method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, serverURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(data)
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Code: resp.StatusCode, Msg: msg}
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		os.Stdout.Write(data)
		return nil
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(os.Stdout)
	return err
}
