package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"distributor/internal/config"
	"distributor/internal/store"

	"github.com/spf13/cobra"
)

const (
	backupDBName     = "distributor.db"
	backupConfigName = "config.json"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive a consistent snapshot of the rule/assignment database and the config",
		Long: `Writes a .tar.gz holding a VACUUM INTO snapshot of the SQLite store and the
config file. The snapshot is safe to take while 'distributor serve' runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			cfg, closeLog, err := loadConfig(false)
			if err != nil {
				return err
			}
			defer closeLog()

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, fmt.Sprintf("distributor-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			tmp, err := os.MkdirTemp("", "distributor-backup-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			snapshot := filepath.Join(tmp, backupDBName)
			if err := snapshotDatabase(cmd.Context(), cfg.Store.DBPath, snapshot); err != nil {
				return fmt.Errorf("snapshot database: %w", err)
			}

			entries := map[string]string{backupDBName: snapshot, backupConfigName: cfgPath}
			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			info, _ := os.Stat(outputPath)
			size := int64(0)
			if info != nil {
				size = info.Size()
			}
			fmt.Printf("Backup created: %s (%s)\n", outputPath, humanSize(size))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.distributor/backups/distributor-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [backup.tar.gz]",
		Short: "Restore the database and config from a backup archive",
		Long: `Restores the SQLite store and config file from an archive created by
'distributor backup'. Stop 'distributor serve' first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			dbPath := config.Defaults().Store.DBPath
			if cfg, err := config.Load(cfgPath); err == nil {
				dbPath = cfg.Store.DBPath
			}
			dbPath = config.ExpandPath(dbPath)

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: this will overwrite %s\n", p)
						return errors.New("restore aborted (use --force to proceed)")
					}
				}
			}

			targets := map[string]string{backupDBName: dbPath, backupConfigName: cfgPath}
			restored, err := extractTarGz(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// Stale WAL files would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(dbPath + suffix)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// snapshotDatabase copies the store into dst with VACUUM INTO.
func snapshotDatabase(ctx context.Context, dbPath, dst string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	_, err = st.DB().ExecContext(ctx, "VACUUM INTO ?", dst)
	return err
}

// createTarGz writes each source file under its archive name.
func createTarGz(outputPath string, entries map[string]string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for name, src := range entries {
		if err := addFileToTar(tarWriter, name, src); err != nil {
			return fmt.Errorf("add %s: %w", src, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, name, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes the archive entries named in targets to their paths and
// skips anything else.
func extractTarGz(archivePath string, targets map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		target, ok := targets[filepath.Base(header.Name)]
		if !ok {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
			continue
		}
		if err := writeFile(target, tarReader); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
