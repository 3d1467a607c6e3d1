package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/srm-lifecycle/internal/snapshot"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage/filestore"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage/wal"
)

// journal commands read a file-store directory directly; srmd should not be
// writing to it at the same time.
func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the snapshot and write-ahead log of a file store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump <dir>",
		Short: "Print every WAL event in human readable form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, walPath := filestore.Paths(args[0])
			return wal.DumpWAL(walPath, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <dir>",
		Short: "Check snapshot and WAL integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyJournal(cmd.OutOrStdout(), args[0])
		},
	})

	return cmd
}

// JournalReport summarizes a file-store directory.
type JournalReport struct {
	Snapshot struct {
		Present bool   `yaml:"present"`
		Records int    `yaml:"records"`
		NextID  int64  `yaml:"next_id"`
		LastSeq uint64 `yaml:"last_seq"`
		Backups int    `yaml:"backups"`
	} `yaml:"snapshot"`
	WAL struct {
		Present   bool           `yaml:"present"`
		Events    int            `yaml:"events"`
		FirstSeq  uint64         `yaml:"first_seq"`
		LastSeq   uint64         `yaml:"last_seq"`
		Oldest    string         `yaml:"oldest,omitempty"`
		Newest    string         `yaml:"newest,omitempty"`
		Types     map[string]int `yaml:"types,omitempty"`
		Corrupted int            `yaml:"corrupted"`
	} `yaml:"wal"`
	OK bool `yaml:"ok"`
}

func verifyJournal(w io.Writer, dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	snapPath, walPath := filestore.Paths(dir)

	var rep JournalReport
	var problems []error

	sm := snapshot.NewManager(snapPath)
	if sm.Exists() {
		rep.Snapshot.Present = true
		data, err := sm.Load()
		if err != nil {
			problems = append(problems, fmt.Errorf("snapshot: %w", err))
		} else {
			rep.Snapshot.Records = len(data.Records)
			rep.Snapshot.NextID = data.NextID
			rep.Snapshot.LastSeq = data.LastSeq
		}
		if backups, err := sm.Backups(); err == nil {
			rep.Snapshot.Backups = len(backups)
		}
	}

	if _, err := os.Stat(walPath); err == nil {
		rep.WAL.Present = true
		st, err := wal.GetWALStats(walPath)
		if err != nil {
			problems = append(problems, fmt.Errorf("wal stats: %w", err))
		} else {
			rep.WAL.Events = st.TotalEvents
			rep.WAL.FirstSeq = st.FirstSeq
			rep.WAL.LastSeq = st.LastSeq
			rep.WAL.Corrupted = st.CorruptedCount
			if st.TotalEvents > 0 {
				rep.WAL.Oldest = time.UnixMilli(st.TimeRange[0]).UTC().Format(time.RFC3339)
				rep.WAL.Newest = time.UnixMilli(st.TimeRange[1]).UTC().Format(time.RFC3339)
			}
			rep.WAL.Types = make(map[string]int, len(st.EventTypes))
			for t, n := range st.EventTypes {
				rep.WAL.Types[string(t)] = n
			}
		}
		if err := wal.ValidateWAL(walPath); err != nil {
			problems = append(problems, fmt.Errorf("wal: %w", err))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		problems = append(problems, err)
	}

	rep.OK = len(problems) == 0
	if err := printYAML(w, rep); err != nil {
		return err
	}
	return errors.Join(problems...)
}
