package querygenctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/querygen/querygen/internal/audit"
	"github.com/querygen/querygen/internal/storage"
	s3store "github.com/querygen/querygen/internal/storage/s3"
)

// auditCommand reads archived generation batches straight from the audit
// bucket.
func (r *runner) auditCommand(defaults Options) *cobra.Command {
	cfg := defaults.Audit
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the generation audit archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return errors.New("an audit subcommand is required")
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "S3 endpoint of the audit archive")
	flags.StringVar(&cfg.Region, "region", cfg.Region, "S3 region")
	flags.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "audit bucket")
	flags.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "key prefix inside the bucket")
	flags.StringVar(&cfg.AccessKeyID, "access-key", cfg.AccessKeyID, "S3 access key")
	flags.StringVar(&cfg.SecretAccessKey, "secret-key", cfg.SecretAccessKey, "S3 secret key")
	flags.BoolVar(&cfg.UseSSL, "use-ssl", cfg.UseSSL, "use TLS for the S3 endpoint")

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the records of one audit batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(args[0])
			if key == "" {
				return errors.New("batch key is required")
			}
			store, err := r.auditStore(cmd.Context(), defaults.AuditStore, cfg)
			if err != nil {
				return err
			}
			records, err := audit.ReadBatch(cmd.Context(), store, key)
			if err != nil {
				return failed("read audit batch %s: %w", key, err)
			}
			encoded, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return failed("encode records: %w", err)
			}
			_, _ = fmt.Fprintln(r.stdout, string(encoded))
			return nil
		},
	}
	cmd.AddCommand(get)
	return cmd
}

func (r *runner) auditStore(ctx context.Context, injected storage.ObjectStore, cfg s3store.Config) (storage.ObjectStore, error) {
	if injected != nil {
		return injected, nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("--endpoint and --bucket are required")
	}
	store, err := s3store.New(ctx, cfg)
	if err != nil {
		return nil, failed("open audit store: %w", err)
	}
	return store, nil
}
