// Copyright 2025 James Ross

// Package fileregistry manages content-addressed file products: the
// abstract identity of an output file (directory, filename, semantic
// type) and its concrete on-disk versions. Grounded on
// original_source's task_database.py file_version_* methods, translated
// from a shared Postgres connection + shutil into database/sql +
// os.Rename/io.Copy.
package fileregistry

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/obs"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

// Registry registers file products and materialises their versions
// under RootPath, mirroring the layout RootPath/<directory>/<repositoryID>.
type Registry struct {
	st       store.Store
	rootPath string
}

// New returns a Registry rooted at rootPath.
func New(st store.Store, rootPath string) *Registry {
	return &Registry{st: st, rootPath: rootPath}
}

// Register inserts the abstract identity of an output file. semantic_type
// is stored as plain text on the product row; the schema's
// semantic_types table is not used by this path, unlike metadata
// keywords, which are interned in metadata_keywords.
func (r *Registry) Register(ctx context.Context, p *model.FileProduct) (int64, error) {
	return r.st.RegisterFileProduct(ctx, p)
}

var extensionPattern = regexp.MustCompile(`(\.[^.]*)$`)

// repositoryID synthesises a `YYYYMMDD_HHMMSS_{md5}` name truncated to 32
// characters while preserving filename's extension, per spec.md §4.3.
func repositoryID(at time.Time, filename string, keyFields ...string) string {
	timeString := at.UTC().Format("20060102_150405")
	keyString := strings.Join(keyFields, "_")
	sum := md5.Sum([]byte(keyString))
	uid := hex.EncodeToString(sum[:])
	base := timeString + "_" + uid

	suffix := extensionPattern.FindString(filename)
	if suffix == "" {
		if len(base) > 32 {
			return base[:32]
		}
		return base
	}
	limit := 32 - len(suffix)
	if limit < 0 {
		limit = 0
	}
	if len(base) > limit {
		base = base[:limit]
	}
	return base + suffix
}

func md5File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// RegisterVersion computes the MD5 and size of the file at sourcePath,
// synthesises a repository_id, inserts the version row, and then
// materialises the file into RootPath/<directory>/<repositoryID> by
// moving it (or copying it, when preserve is true). A failure to
// materialise the file is logged by the caller via the returned error
// but does not itself roll back the row: a re-run produces a fresh
// version rather than leaving a half-registered one (spec.md §4.3).
func (r *Registry) RegisterVersion(ctx context.Context, productID, attemptID int64, sourcePath string, preserve bool) (int64, error) {
	product, err := r.st.GetFileProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if product == nil {
		return 0, fmt.Errorf("fileregistry: no such product %d", productID)
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return 0, fmt.Errorf("fileregistry: source file does not exist: %w", err)
	}

	md5sum, size, err := md5File(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("fileregistry: checksum: %w", err)
	}

	now := time.Now()
	repoID := repositoryID(now, product.Filename, strconv.FormatInt(productID, 10), strconv.FormatInt(attemptID, 10), strconv.FormatInt(now.UnixNano(), 10))

	v := &model.FileProductVersion{
		ProductID:                productID,
		GeneratedByTaskExecution: attemptID,
		RepositoryID:             repoID,
		CreatedTime:              now,
		ModifiedTime:             now,
		FileMD5:                  md5sum,
		FileSize:                 size,
		PassedQC:                 model.QCUnknown,
	}
	versionID, err := r.insertVersionWithRetry(ctx, v)
	if err != nil {
		return 0, err
	}
	obs.FileVersionsRegistered.Inc()

	destDir := filepath.Join(r.rootPath, product.Directory)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return versionID, fmt.Errorf("fileregistry: mkdir %s: %w", destDir, err)
	}
	destPath := filepath.Join(destDir, repoID)
	if err := placeFile(sourcePath, destPath, preserve); err != nil {
		return versionID, fmt.Errorf("fileregistry: materialise %s: %w", destPath, err)
	}
	return versionID, nil
}

// insertVersionWithRetry retries RegisterFileProductVersion with a fresh
// repository_id on a unique-constraint collision, per spec.md §4.3's
// invariant that collisions (negligible but non-zero) are retried rather
// than surfaced.
func (r *Registry) insertVersionWithRetry(ctx context.Context, v *model.FileProductVersion) (int64, error) {
	const maxAttempts = 3
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		id, err := r.st.RegisterFileProductVersion(ctx, v)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !isUniqueViolation(err) {
			return 0, err
		}
		v.RepositoryID = repositoryID(time.Now(), v.RepositoryID, v.RepositoryID, strconv.FormatInt(time.Now().UnixNano(), 10))
	}
	return 0, lastErr
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// placeFile copies or moves src to dst. os.Rename is attempted first
// (cheap, same filesystem); on cross-device failure it falls back to a
// copy-then-remove, matching shutil.move's own fallback behaviour.
func placeFile(src, dst string, preserve bool) error {
	if preserve {
		return copyFile(src, dst)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// UpdateVersion swaps the on-disk bytes for an existing version,
// recomputing checksum and size, and optionally updates passed_qc.
func (r *Registry) UpdateVersion(ctx context.Context, versionID int64, sourcePath string, preserve bool, verdict *model.QCVerdict) error {
	v, err := r.st.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("fileregistry: no such version %d", versionID)
	}
	product, err := r.st.GetFileProduct(ctx, v.ProductID)
	if err != nil {
		return err
	}
	if product == nil {
		return fmt.Errorf("fileregistry: no such product %d", v.ProductID)
	}

	md5sum, size, err := md5File(sourcePath)
	if err != nil {
		return fmt.Errorf("fileregistry: checksum: %w", err)
	}
	now := time.Now()
	if err := r.st.UpdateVersion(ctx, versionID, now, md5sum, size); err != nil {
		return err
	}
	if verdict != nil {
		if err := r.st.SetVersionQC(ctx, versionID, *verdict); err != nil {
			return err
		}
	}

	destDir := filepath.Join(r.rootPath, product.Directory)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("fileregistry: mkdir %s: %w", destDir, err)
	}
	destPath := filepath.Join(destDir, v.RepositoryID)
	return placeFile(sourcePath, destPath, preserve)
}

// ResolveVersion returns a specific version (by attemptID, when given) or
// the latest version in insertion order. mustHavePassedQC, when true,
// restricts either lookup to versions with passed_qc = true.
func (r *Registry) ResolveVersion(ctx context.Context, productID int64, attemptID *int64, mustHavePassedQC bool) (*model.FileProductVersion, error) {
	if attemptID != nil {
		v, err := r.st.VersionByAttempt(ctx, productID, *attemptID)
		if err != nil || v == nil {
			return v, err
		}
		if mustHavePassedQC && !v.Passed() {
			return nil, nil
		}
		return v, nil
	}
	if mustHavePassedQC {
		return r.st.LatestPassedVersion(ctx, productID)
	}
	versions, err := r.st.ListVersions(ctx, productID)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return versions[len(versions)-1], nil
}

// AbsolutePath returns the on-disk location of a version:
// rootPath/<product.directory>/<repositoryID>.
func (r *Registry) AbsolutePath(ctx context.Context, v *model.FileProductVersion) (string, error) {
	product, err := r.st.GetFileProduct(ctx, v.ProductID)
	if err != nil {
		return "", err
	}
	if product == nil {
		return "", fmt.Errorf("fileregistry: no such product %d", v.ProductID)
	}
	return filepath.Join(r.rootPath, product.Directory, v.RepositoryID), nil
}

// DeleteVersion removes a version's row and its on-disk file.
func (r *Registry) DeleteVersion(ctx context.Context, versionID int64) error {
	v, err := r.st.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	product, err := r.st.GetFileProduct(ctx, v.ProductID)
	if err != nil {
		return err
	}
	if err := r.st.DeleteVersion(ctx, versionID); err != nil {
		return err
	}
	if product != nil {
		path := filepath.Join(r.rootPath, product.Directory, v.RepositoryID)
		_ = os.Remove(path)
	}
	return nil
}

// DeleteProduct cascades: the version rows and the product's deleted
// flag change together in one store transaction, and only then are the
// on-disk files removed. Rows go first so a failure partway never
// leaves an active product whose version rows or bytes are missing;
// files orphaned by a crash after the commit are unreferenced and
// harmless.
func (r *Registry) DeleteProduct(ctx context.Context, productID int64) error {
	versions, err := r.st.ListVersions(ctx, productID)
	if err != nil {
		return err
	}
	product, err := r.st.GetFileProduct(ctx, productID)
	if err != nil {
		return err
	}
	if err := r.st.DeleteProduct(ctx, productID); err != nil {
		return err
	}
	if product != nil {
		for _, v := range versions {
			path := filepath.Join(r.rootPath, product.Directory, v.RepositoryID)
			_ = os.Remove(path)
		}
	}
	return nil
}
