package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ffarm/internal/profile"
	"ffarm/pkg/ffarm"
)

// videoExtensions is the enqueue walk's extension filter, matched
// case-insensitively against each candidate file's suffix.
var videoExtensions = map[string]bool{
	".mov": true,
	".mp4": true,
	".mxf": true,
	".mkv": true,
	".avi": true,
	".m4v": true,
}

// ProfileRules is the subset of the profile registry the enqueue walk
// needs: a profile's enqueue-time rules, and the full set of output
// subdirectories any profile writes to (so the walk can skip them).
type ProfileRules interface {
	EnqueueRules(profileID string) (profile.EnqueueRules, error)
	KnownOutputSubdirs() []string
}

// Enqueue walks root, adding one job per matching video file not already
// present in the store, under profileID. Returns the count added and the
// count skipped (already present, or filtered out by the profile's prefix
// or proxy-suffix rules). Files inside excluded output directories and
// files without a video extension are not counted in either.
func (s *Store) Enqueue(ctx context.Context, root, profileID string, rules ProfileRules, now time.Time) (added, skipped int, err error) {
	er, err := rules.EnqueueRules(profileID)
	if err != nil {
		return 0, 0, fmt.Errorf("enqueue: %w", err)
	}
	excludedDirs := make(map[string]bool, len(rules.KnownOutputSubdirs()))
	for _, d := range rules.KnownOutputSubdirs() {
		excludedDirs[d] = true
	}

	walkErr := fs.WalkDir(os.DirFS(root), ".", func(relPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if relPath != "." && excludedDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}

		if !videoExtensions[strings.ToLower(filepath.Ext(relPath))] {
			return nil
		}
		base := filepath.Base(relPath)
		if er.FilterPrefix != "" && !strings.HasPrefix(base, er.FilterPrefix) {
			skipped++
			return nil
		}
		if er.IgnoreProxySuffix && hasProxySuffix(base) {
			skipped++
			return nil
		}

		inputPath := filepath.Join(root, relPath)
		exists, err := s.InputPathExists(ctx, inputPath)
		if err != nil {
			return fmt.Errorf("check existing input %s: %w", inputPath, err)
		}
		if exists {
			skipped++
			return nil
		}

		outputPath, err := s.deriveOutputPath(ctx, root, relPath, er)
		if err != nil {
			return fmt.Errorf("derive output path for %s: %w", inputPath, err)
		}

		job := ffarm.NewJob(inputPath, outputPath, profileID, now)
		if _, err := s.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job for %s: %w", inputPath, err)
		}
		added++
		return nil
	})
	if walkErr != nil {
		return added, skipped, fmt.Errorf("enqueue walk: %w", walkErr)
	}
	return added, skipped, nil
}

// deriveOutputPath builds the profile's naming rule, mirroring the first
// path component under root into the output subdir when requested, and
// disambiguating collisions against both the store and the filesystem.
func (s *Store) deriveOutputPath(ctx context.Context, root, relPath string, er profile.EnqueueRules) (string, error) {
	dir := filepath.Dir(relPath)
	base := strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))
	base = stripProxySuffix(base, er.IgnoreProxySuffix)

	outputDir := filepath.Join(root, er.OutputSubdir)
	if er.MirrorFirstSubdir && dir != "." {
		first := strings.SplitN(dir, string(filepath.Separator), 2)[0]
		outputDir = filepath.Join(outputDir, first)
	}

	// OutputPattern is a filename template with a {stem} placeholder, e.g.
	// "{stem}_Proxy.mov". An empty pattern keeps the source file's own
	// extension against the (proxy-suffix-stripped) stem.
	pattern := er.OutputPattern
	if pattern == "" {
		pattern = "{stem}" + filepath.Ext(relPath)
	}
	filename := strings.ReplaceAll(pattern, "{stem}", base)
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	candidate := filepath.Join(outputDir, filename)
	for n := 0; ; n++ {
		path := candidate
		if n > 0 {
			path = filepath.Join(outputDir, fmt.Sprintf("%s_%d%s", stem, n, ext))
		}
		taken, err := s.OutputPathTaken(ctx, path)
		if err != nil {
			return "", err
		}
		if taken {
			continue
		}
		if pathExistsOnDisk(path) {
			continue
		}
		return path, nil
	}
}

func pathExistsOnDisk(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func hasProxySuffix(name string) bool {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.HasSuffix(strings.ToLower(base), "_proxy")
}

func stripProxySuffix(base string, ignore bool) string {
	if !ignore {
		return base
	}
	if idx := strings.LastIndex(strings.ToLower(base), "_proxy"); idx >= 0 && idx == len(base)-len("_proxy") {
		return base[:idx]
	}
	return base
}
