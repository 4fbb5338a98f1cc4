package resources

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ulikunitz/xz"

	"github.com/poleshift/fieldsync/internal/config"
	"github.com/poleshift/fieldsync/internal/loggy"
	"github.com/poleshift/fieldsync/internal/progress"
	"github.com/poleshift/fieldsync/internal/remote"
	"github.com/poleshift/fieldsync/internal/synclog"
	"github.com/poleshift/fieldsync/internal/transfer"
)

// uncheckedDir holds partially downloaded and extracted bundles until their
// checksums verify; nothing under it is ever served to the application.
const uncheckedDir = "_unchecked"

// downloadChunkSize is the read size that paces progress snapshots
const downloadChunkSize = 32 * 1024

// Result summarizes a FetchAll run
type Result struct {
	Fetched int // bundles downloaded and extracted
	Skipped int // bundles already current
	Failed  int // bundles that exhausted their retries
}

// Fetcher downloads, verifies and extracts resource bundles
type Fetcher struct {
	client *http.Client
	cfg    config.TransferConfig
	bus    *progress.Bus
	slots  *transfer.Slots
	logs   synclog.Repository
	logger *loggy.Logger
}

// NewFetcher creates a bundle fetcher. Downloads share the transfer slots
// with the upload queue so the combined transfer concurrency stays bounded.
func NewFetcher(cfg config.TransferConfig, bus *progress.Bus, slots *transfer.Slots, logs synclog.Repository, logger *loggy.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
			// No overall timeout: large bundles take as long as they take,
			// cancellation comes from the context.
		},
		cfg:    cfg,
		bus:    bus,
		slots:  slots,
		logs:   logs,
		logger: logger,
	}
}

// FetchAll brings every manifest bundle up to date, running transfers
// concurrently within the shared slot budget
func (f *Fetcher) FetchAll(ctx context.Context) (*Result, error) {
	manifest, err := LoadManifest(f.cfg.ManifestPath)
	if err != nil {
		return nil, err
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result Result
	)

	for i := range manifest.Bundles {
		bundle := manifest.Bundles[i]

		if err := f.slots.Acquire(ctx); err != nil {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer f.slots.Release()

			outcome := f.fetchOne(ctx, bundle)

			mu.Lock()
			switch outcome {
			case outcomeFetched:
				result.Fetched++
			case outcomeSkipped:
				result.Skipped++
			case outcomeFailed:
				result.Failed++
			}
			mu.Unlock()
		}()
	}

	wg.Wait()

	f.logger.Info("Resource fetch complete",
		"fetched", result.Fetched, "skipped", result.Skipped, "failed", result.Failed)
	return &result, ctx.Err()
}

// BundleStatus pairs a manifest entry with its local state
type BundleStatus struct {
	Bundle  Bundle
	Current bool
}

// Status reports, for every manifest bundle, whether the local copy matches
func (f *Fetcher) Status() ([]BundleStatus, error) {
	manifest, err := LoadManifest(f.cfg.ManifestPath)
	if err != nil {
		return nil, err
	}

	statuses := make([]BundleStatus, 0, len(manifest.Bundles))
	for _, bundle := range manifest.Bundles {
		statuses = append(statuses, BundleStatus{
			Bundle:  bundle,
			Current: f.isCurrent(bundle),
		})
	}
	return statuses, nil
}

type outcome int

const (
	outcomeFetched outcome = iota
	outcomeSkipped
	outcomeFailed
)

// fetchOne runs the retrying fetch cycle for a single bundle and records the
// outcome in the sync log
func (f *Fetcher) fetchOne(ctx context.Context, bundle Bundle) outcome {
	if f.isCurrent(bundle) {
		f.logger.Debug("Bundle already current", "bundle", bundle.Name)
		return outcomeSkipped
	}

	attempt := synclog.New(synclog.EntityTypeBundle, bundle.Name)

	retries := 0
	operation := func() error {
		err := f.FetchAndExtract(ctx, bundle)
		if err == nil {
			return nil
		}

		retries++
		if !remote.IsTransient(err) || retries >= f.cfg.MaxRetries {
			return backoff.Permanent(err)
		}
		f.logger.Debug("Bundle fetch failed, will retry",
			"bundle", bundle.Name, "attempt", retries, "error", err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.BackoffBase
	bo.MaxInterval = f.cfg.BackoffCap
	bo.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		f.logger.Error("Giving up on bundle", "bundle", bundle.Name, "retries", retries, "error", err)
		attempt.MarkFailed(string(remote.Classify(err)), err.Error())
		f.recordAttempt(ctx, attempt)
		return outcomeFailed
	}

	attempt.MarkSuccessful()
	f.recordAttempt(ctx, attempt)
	return outcomeFetched
}

// FetchAndExtract performs one download-verify-extract attempt for a bundle.
// Any failure or cancellation removes every partial output before returning;
// the bundle directory either holds the previous complete version or the new
// one, never a mix.
func (f *Fetcher) FetchAndExtract(ctx context.Context, bundle Bundle) (err error) {
	staging := filepath.Join(f.cfg.ResourceDir, uncheckedDir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	archivePath := filepath.Join(staging, bundle.Name+".download")
	extractDir := filepath.Join(staging, bundle.Name)

	defer func() {
		// Leave nothing half-written behind
		if err != nil {
			os.Remove(archivePath)
			os.RemoveAll(extractDir)
		}
	}()
	defer f.bus.Remove(bundle.Name)

	checksum, err := f.download(ctx, bundle, archivePath)
	if err != nil {
		return err
	}

	if bundle.SHA256 != "" && checksum != bundle.SHA256 {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s",
			bundle.Name, checksum, bundle.SHA256)
	}

	f.bus.Publish(progress.Snapshot{
		FileName: bundle.Name,
		Stage:    progress.StageExtracting,
	})

	if err := f.extract(ctx, bundle, archivePath, extractDir); err != nil {
		return err
	}

	if bundle.ExtractedSHA256 != "" {
		extracted, err := extractedChecksum(extractDir)
		if err != nil {
			return fmt.Errorf("hashing extracted output: %w", err)
		}
		if extracted != bundle.ExtractedSHA256 {
			return fmt.Errorf("extracted checksum mismatch for %s: got %s, want %s",
				bundle.Name, extracted, bundle.ExtractedSHA256)
		}
	}

	if err := f.promote(bundle, extractDir, checksum); err != nil {
		return err
	}

	os.Remove(archivePath)
	f.logger.Info("Bundle ready", "bundle", bundle.Name, "checksum", checksum)
	return nil
}

// extractedChecksum hashes the extracted bundle output. A bundle that yields
// a single file hashes exactly that file's bytes, so the manifest value is
// what sha256sum reports for the original artifact; multi-file bundles hash
// each file's slash-separated relative path and content in lexical walk order.
func extractedChecksum(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	hasher := sha256.New()

	if len(files) == 1 {
		if err := hashFile(hasher, files[0]); err != nil {
			return "", err
		}
		return hex.EncodeToString(hasher.Sum(nil)), nil
	}

	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		hasher.Write([]byte(filepath.ToSlash(rel)))
		hasher.Write([]byte{0})
		if err := hashFile(hasher, path); err != nil {
			return "", err
		}
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func hashFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	return err
}

// isCurrent reports whether the extracted bundle on disk matches the manifest
func (f *Fetcher) isCurrent(bundle Bundle) bool {
	if bundle.SHA256 == "" {
		// Without a manifest checksum the only cheap staleness signal is
		// whether the bundle exists at all.
		_, err := os.Stat(f.targetPath(bundle))
		return err == nil
	}

	marker, err := os.ReadFile(f.markerPath(bundle))
	if err != nil {
		return false
	}
	if strings.TrimSpace(string(marker)) != bundle.SHA256 {
		return false
	}

	_, err = os.Stat(f.targetPath(bundle))
	return err == nil
}

// download streams the bundle to disk, publishing chunk-level progress, and
// returns the hex SHA-256 of the received bytes
func (f *Fetcher) download(ctx context.Context, bundle Bundle, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bundle.URL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", bundle.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", remote.APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("fetching %s", bundle.URL),
			ErrorCode:  "bundle_fetch_failed",
		}
	}

	total := bundle.ExpectedSizeBytes
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating download file: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	speed := transfer.NewSpeedTracker(f.cfg.SpeedWindow)
	writer := io.MultiWriter(out, hasher)

	var received int64
	buf := make([]byte, downloadChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := writer.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("writing download: %w", err)
			}
			received += int64(n)
			speed.Record(int64(n))

			// Chunked responses carry no length, and the manifest estimate
			// may understate the real size; never publish progress > total.
			if total > 0 && received > total {
				total = received
			}

			f.bus.Publish(progress.Snapshot{
				FileName:      bundle.Name,
				Stage:         progress.StageDownloading,
				Progress:      received,
				Total:         total,
				TransferSpeed: speed.Speed(),
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("reading download: %w", readErr)
		}
	}

	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("flushing download: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// extract unpacks the downloaded archive into dest according to the bundle's
// declared format
func (f *Fetcher) extract(ctx context.Context, bundle Bundle, archivePath, dest string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer in.Close()

	switch bundle.ArchiveFormat {
	case FormatTarGz:
		gz, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		return extractTar(ctx, gz, dest)

	case FormatTarXz:
		xr, err := xz.NewReader(in)
		if err != nil {
			return fmt.Errorf("opening xz stream: %w", err)
		}
		return extractTar(ctx, xr, dest)

	case FormatNone:
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("creating bundle directory: %w", err)
		}
		out, err := os.Create(filepath.Join(dest, bundle.Name))
		if err != nil {
			return fmt.Errorf("creating bundle file: %w", err)
		}
		defer out.Close()
		if _, err := io.Copy(out, in); err != nil {
			return fmt.Errorf("copying bundle file: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported archive format %q", bundle.ArchiveFormat)
	}
}

// extractTar streams a tar archive into dest, refusing entries that would
// escape it
func extractTar(ctx context.Context, r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating extraction directory: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		target, err := securePath(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("creating directory %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent directory for %s: %w", header.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, header.FileInfo().Mode().Perm())
			if err != nil {
				return fmt.Errorf("creating file %s: %w", header.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("extracting %s: %w", header.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("closing %s: %w", header.Name, err)
			}

		default:
			// Symlinks and special files are not part of the bundle contract
			continue
		}
	}
}

// securePath joins name onto dest and rejects traversal outside it
func securePath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}

// promote atomically replaces the live bundle with the verified staging copy
// and writes the checksum marker
func (f *Fetcher) promote(bundle Bundle, extractDir, checksum string) error {
	target := f.targetPath(bundle)

	// The marker goes first-removed, last-written: a crash between the two
	// renames leaves a missing marker, which just forces a refetch.
	if err := os.Remove(f.markerPath(bundle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing checksum marker: %w", err)
	}

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("removing previous bundle: %w", err)
	}
	if err := os.Rename(extractDir, target); err != nil {
		return fmt.Errorf("promoting bundle: %w", err)
	}

	if err := os.WriteFile(f.markerPath(bundle), []byte(checksum+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing checksum marker: %w", err)
	}
	return nil
}

func (f *Fetcher) targetPath(bundle Bundle) string {
	return filepath.Join(f.cfg.ResourceDir, bundle.Name)
}

func (f *Fetcher) markerPath(bundle Bundle) string {
	return filepath.Join(f.cfg.ResourceDir, bundle.Name+".sha256")
}

func (f *Fetcher) recordAttempt(ctx context.Context, attempt *synclog.SyncLog) {
	if f.logs == nil {
		return
	}
	if err := f.logs.Create(context.WithoutCancel(ctx), attempt); err != nil {
		f.logger.Error("Failed to create sync log", "error", err)
	}
}
