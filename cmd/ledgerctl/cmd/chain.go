package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/animus-labs/ledger-go/internal/auditexport"
	"github.com/spf13/cobra"
)

var (
	verifyAnchor bool
	listAfter    int64
	listLimit    int
	listAll      bool
	appendData   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute and check a tenant's hash chain",
	Long: `Walks the tenant's chain from genesis and recomputes every hash.

Exits non-zero when the chain is broken. With --anchor the live chain is
also compared with the anchor written by the last export.`,
	RunE: runVerify,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print chain entries as NDJSON",
	RunE:  runList,
}

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append a JSON payload to a tenant's chain",
	RunE:  runAppend,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Archive a verified chain to object storage",
	Long: `Verifies the chain, uploads it as NDJSON and records a head anchor.

Requires the LEDGER_MINIO_* and LEDGER_ARCHIVE_* settings used by dispatch.`,
	RunE: runExport,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAnchor, "anchor", false, "Also check the exported anchor")
	listCmd.Flags().Int64Var(&listAfter, "after", -1, "Only entries with index greater than this")
	listCmd.Flags().IntVar(&listLimit, "limit", 100, "Page size")
	listCmd.Flags().BoolVar(&listAll, "all", false, "Follow pages until the head")

	appendCmd.Flags().StringVar(&appendData, "payload", "", "JSON payload (- for stdin)")

	rootCmd.AddCommand(verifyCmd, listCmd, appendCmd, exportCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, newLogger(cmd), sessionOptions{archive: verifyAnchor})
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.svc.Verify(ctx, principal, tenantID)
	if err != nil {
		return err
	}
	out := map[string]any{"verification": v}
	var anchorErr error
	if verifyAnchor && v.Valid {
		check, err := s.svc.CheckAnchor(ctx, principal, tenantID)
		if err != nil {
			return err
		}
		out["anchor"] = check
		if !check.Matches {
			anchorErr = fmt.Errorf("anchor mismatch: %s", check.Reason)
		}
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if err := v.Err(); err != nil {
		return err
	}
	return anchorErr
}

func runList(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	if listLimit <= 0 {
		return errors.New("--limit must be positive")
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, newLogger(cmd), sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	w := auditexport.NewNDJSONWriter(cmd.OutOrStdout())
	after := listAfter
	for {
		entries, err := s.svc.ListEntries(ctx, principal, tenantID, after, listLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := w.Write(e); err != nil {
				return err
			}
			after = e.Index
		}
		if !listAll || len(entries) < listLimit {
			return nil
		}
	}
}

func runAppend(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	raw := []byte(appendData)
	if appendData == "-" {
		var err error
		if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return fmt.Errorf("--payload must be JSON: %w", err)
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, newLogger(cmd), sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	entry, err := s.svc.Append(ctx, principal, tenantID, buf.Bytes())
	if err != nil {
		return err
	}
	return auditexport.NewNDJSONWriter(cmd.OutOrStdout()).Write(entry)
}

func runExport(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, newLogger(cmd), sessionOptions{archive: true})
	if err != nil {
		return err
	}
	defer s.Close()

	receipt, err := s.svc.Export(ctx, principal, tenantID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), receipt)
}
