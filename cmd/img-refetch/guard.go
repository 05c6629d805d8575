package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/Sriram-PR/img-refetch/pkg/commit"
	"github.com/Sriram-PR/img-refetch/pkg/imaging"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// runGuardCheck handles the guard-check subcommand
func runGuardCheck(args []string) {
	fs := flag.NewFlagSet("guard-check", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: img-refetch guard-check FILE [OTHER]\n\n")
		fmt.Fprintf(os.Stderr, "Prints the pixel fingerprint of FILE. With OTHER, exits 1 unless both\n")
		fmt.Fprintf(os.Stderr, "files decode to identical pixels, whatever their bytes or metadata.\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		os.Exit(1)
	}
	os.Exit(doGuardCheck(fs.Args(), os.Stdout, os.Stderr))
}

// doGuardCheck fingerprints one or two files. Returns exit code (0 = readable,
// and identical pixels when two files are given).
func doGuardCheck(paths []string, stdout, stderr io.Writer) int {
	prints := make([]imaging.PixelFingerprint, 0, len(paths))
	for _, p := range paths {
		fp, err := imaging.Fingerprint(p)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", p, err)
			return 1
		}
		sum, err := utils.CalculateFileSHA256(p)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", p, err)
			return 1
		}
		fmt.Fprintf(stdout, "%s\tpixels=%s\tsha256=%s\n", p, fp, sum[:12])
		prints = append(prints, fp)
	}
	if len(prints) == 2 {
		if !prints[0].Equal(prints[1]) {
			fmt.Fprintln(stdout, "MISMATCH: pixel content differs")
			return 1
		}
		fmt.Fprintln(stdout, "MATCH: pixel content identical")
	}
	return 0
}

// backupName matches names produced by commit.BackupPath with the default
// backup_time_format.
var backupName = regexp.MustCompile(`\.bak_\d{8}_\d{6}(_\d+)?$`)

// runDeleteBackup handles the delete-backup subcommand
func runDeleteBackup(args []string) {
	fs := flag.NewFlagSet("delete-backup", flag.ExitOnError)
	backup := fs.String("backup", "", "Backup file printed by repair (required)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: img-refetch delete-backup -backup FILE\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *backup == "" {
		fs.Usage()
		os.Exit(1)
	}
	os.Exit(doDeleteBackup(*backup, os.Stdout, os.Stderr))
}

// doDeleteBackup removes a repair backup. It refuses files that are not named
// like a backup, and backups whose original no longer exists.
func doDeleteBackup(backupPath string, stdout, stderr io.Writer) int {
	loc := backupName.FindStringIndex(filepath.Base(backupPath))
	if loc == nil {
		fmt.Fprintf(stderr, "Error: %s is not a repair backup (expected <file>.bak_YYYYMMDD_HHMMSS)\n", backupPath)
		return 1
	}
	original := backupPath[:len(backupPath)-(len(filepath.Base(backupPath))-loc[0])]
	if _, err := os.Stat(original); err != nil {
		fmt.Fprintf(stderr, "Error: original %s is missing; keeping the backup\n", original)
		return 1
	}
	if _, err := os.Stat(backupPath); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	tx := &models.CommitTransaction{OriginalPath: original, BackupPath: backupPath}
	if err := commit.DeleteBackup(tx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Deleted backup %s\n", backupPath)
	return 0
}
