package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"feedwatch/internal/config"
	"feedwatch/internal/storage"
	logx "feedwatch/pkg/logx"
)

// ListSources prints one row per enabled source. It needs no secrets.
func ListSources(w io.Writer, cfg *config.Config) error {
	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tINTERVAL\tPOLICY\tGROUP\tLABEL")
	for _, d := range descs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Kind, d.Schedule, d.Policy.String(), d.Group, d.Label)
	}
	return tw.Flush()
}

// Prune deletes dedup rows not seen for olderThan and returns the count.
func Prune(ctx context.Context, cfg *config.Config, olderThan time.Duration, log logx.Logger) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("prune: older-than must be > 0")
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return 0, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return 0, err
	}
	defer st.Close()

	n, err := st.Prune(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	log.Info("pruned dedup records", logx.Int64("deleted", n), logx.Duration("older_than", olderThan))
	return n, nil
}
