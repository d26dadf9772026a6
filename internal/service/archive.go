package service

import (
	"CloudBox/config"
	"CloudBox/internal/repo"
	"CloudBox/internal/storage"
	"CloudBox/model"
	"CloudBox/utils"
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/net/context"
)

// Supported archive formats.
const (
	FormatZip   = "zip"
	FormatTarGz = "tar.gz"
	Format7z    = "7z"
)

// ValidFormat reports whether the engine supports a format.
func ValidFormat(format string) bool {
	switch format {
	case FormatZip, FormatTarGz, Format7z:
		return true
	}
	return false
}

// ProgressFunc receives byte-level progress. Returning an error aborts the
// operation; the engine checks it between entries and during streaming.
type ProgressFunc func(processedBytes, totalBytes int64, currentFile string) error

// ArchiveLimits bound what an untrusted archive may expand into.
type ArchiveLimits struct {
	MaxEntries   int
	MaxTotalSize int64
	MaxFileSize  int64
	MaxDepth     int
}

// DefaultArchiveLimits reads the configured limits.
func DefaultArchiveLimits() ArchiveLimits {
	cfg := config.StorageConfigInstance
	return ArchiveLimits{
		MaxEntries:   cfg.MaxArchiveEntries,
		MaxTotalSize: cfg.MaxArchiveTotalSize,
		MaxFileSize:  cfg.MaxArchiveFileSize,
		MaxDepth:     cfg.MaxTreeDepth,
	}
}

// ArchiveEntry is one input to compression.
type ArchiveEntry struct {
	EntryPath string
	File      *model.UserFile
	IsDir     bool
}

// CollectArchiveEntries expands the requested files and folders into archive
// entries, returning the total input bytes for progress accounting. The DB
// tree walk is an explicit stack with a depth guard.
func CollectArchiveEntries(userID uint64, fileIDs []uint64, maxDepth int) ([]ArchiveEntry, int64, error) {
	type frame struct {
		file  model.UserFile
		path  string
		depth int
	}
	entries := make([]ArchiveEntry, 0)
	var total int64

	stack := make([]frame, 0, len(fileIDs))
	for i := len(fileIDs) - 1; i >= 0; i-- {
		var file model.UserFile
		if err := repo.Db.
			Where("id = ? AND user_id = ? AND is_deleted = 0", fileIDs[i], userID).
			First(&file).Error; err != nil {
			return nil, 0, NewError(http.StatusNotFound, CodeFileNotFound,
				fmt.Sprintf("file %d not found", fileIDs[i]))
		}
		stack = append(stack, frame{file: file, path: utils.SanitizeEntryName(file.Name), depth: 0})
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.depth > maxDepth {
			return nil, 0, NewError(http.StatusBadRequest, CodeInvalidInput, "folder tree too deep")
		}
		if !top.file.IsDir {
			f := top.file
			entries = append(entries, ArchiveEntry{EntryPath: top.path, File: &f})
			total += f.Size
			continue
		}
		entries = append(entries, ArchiveEntry{EntryPath: top.path + "/", IsDir: true})
		children, err := listChildren(userID, top.file.ID)
		if err != nil {
			return nil, 0, err
		}
		for i := len(children) - 1; i >= 0; i-- {
			child := children[i]
			stack = append(stack, frame{
				file:  child,
				path:  path.Join(top.path, utils.SanitizeEntryName(child.Name)),
				depth: top.depth + 1,
			})
		}
	}
	return entries, total, nil
}

// CompressEntries writes the entries into an archive at outPath, streaming
// each blob from the store.
func CompressEntries(
	ctx context.Context,
	entries []ArchiveEntry,
	totalBytes int64,
	format string,
	outPath string,
	report ProgressFunc,
) error {
	switch format {
	case FormatZip:
		return compressZip(ctx, entries, totalBytes, outPath, report)
	case FormatTarGz:
		return compressTarGz(ctx, entries, totalBytes, outPath, report)
	case Format7z:
		return compress7z(ctx, entries, totalBytes, outPath, report)
	}
	return NewError(http.StatusBadRequest, CodeUnsupportedFormat, "unsupported format: "+format)
}

func compressZip(ctx context.Context, entries []ArchiveEntry, total int64, outPath string, report ProgressFunc) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	var processed int64
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return err
		}
		if entry.IsDir {
			if _, err := zw.Create(entry.EntryPath); err != nil {
				_ = zw.Close()
				return err
			}
			continue
		}
		w, err := zw.Create(entry.EntryPath)
		if err != nil {
			_ = zw.Close()
			return err
		}
		n, err := copyBlob(ctx, w, entry.File.ObjectKey)
		if err != nil {
			_ = zw.Close()
			return err
		}
		processed += n
		if report != nil {
			if err := report(processed, total, entry.EntryPath); err != nil {
				_ = zw.Close()
				return err
			}
		}
	}
	return zw.Close()
}

func compressTarGz(ctx context.Context, entries []ArchiveEntry, total int64, outPath string, report ProgressFunc) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	var processed int64
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			break
		}
		if entry.IsDir {
			err = tw.WriteHeader(&tar.Header{
				Name:     entry.EntryPath,
				Typeflag: tar.TypeDir,
				Mode:     0o755,
			})
			if err != nil {
				break
			}
			continue
		}
		err = tw.WriteHeader(&tar.Header{
			Name:     entry.EntryPath,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     entry.File.Size,
		})
		if err != nil {
			break
		}
		var n int64
		n, err = copyBlob(ctx, tw, entry.File.ObjectKey)
		if err != nil {
			break
		}
		processed += n
		if report != nil {
			if err = report(processed, total, entry.EntryPath); err != nil {
				break
			}
		}
	}
	if closeErr := tw.Close(); err == nil {
		err = closeErr
	}
	if closeErr := gz.Close(); err == nil {
		err = closeErr
	}
	return err
}

// compress7z stages the inputs on disk, then drives the external 7z binary.
// CommandContext kills the process when the job context is cancelled or
// times out.
func compress7z(ctx context.Context, entries []ArchiveEntry, total int64, outPath string, report ProgressFunc) error {
	workRoot := config.StorageConfigInstance.WorkRoot
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return err
	}
	stageDir, err := os.MkdirTemp(workRoot, "7z-stage-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stageDir)

	var processed int64
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(stageDir, filepath.FromSlash(entry.EntryPath))
		if entry.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.Create(target)
		if err != nil {
			return err
		}
		n, err := copyBlob(ctx, f, entry.File.ObjectKey)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		processed += n
		if report != nil {
			if err := report(processed, total, entry.EntryPath); err != nil {
				return err
			}
		}
	}

	bin := config.StorageConfigInstance.SevenZipBinary
	cmd := exec.CommandContext(ctx, bin, "a", "-y", outPath, ".")
	cmd.Dir = stageDir
	if out, err := cmd.CombinedOutput(); err != nil {
		// 进程被超时或取消杀掉时返回 ctx 错误 否则上层会误判为可重试
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("7z compress failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func copyBlob(ctx context.Context, dst io.Writer, objectKey string) (int64, error) {
	reader, _, err := storage.Default.GetObject(ctx, objectKey)
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	return io.Copy(dst, reader)
}

// securePath resolves an archive entry name inside destDir. Rejects absolute
// paths and any parent segment surviving normalization, then re-verifies the
// joined path still sits under the resolved destination.
func securePath(destDir, entryName string) (string, error) {
	name := strings.ReplaceAll(entryName, "\\", "/")
	if name == "" {
		return "", NewError(http.StatusBadRequest, CodeUnsafeArchivePath, "empty entry name")
	}
	if path.IsAbs(name) || (len(name) > 1 && name[1] == ':') {
		return "", NewError(http.StatusBadRequest, CodeUnsafeArchivePath, "absolute entry path: "+entryName)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", NewError(http.StatusBadRequest, CodeUnsafeArchivePath, "entry escapes target: "+entryName)
	}
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absDest, filepath.FromSlash(clean))
	if full != absDest && !strings.HasPrefix(full, absDest+string(os.PathSeparator)) {
		return "", NewError(http.StatusBadRequest, CodeUnsafeArchivePath, "entry escapes target: "+entryName)
	}
	return full, nil
}

// ValidateArchive is the pre-extraction pass: every entry's metadata is
// checked before a single byte lands on disk. 7z archives cannot be
// enumerated without the external tool, so they rely on the isolated
// staging directory plus the post-extraction walk.
func ValidateArchive(archivePath, format string, limits ArchiveLimits) error {
	switch format {
	case FormatZip:
		return validateZip(archivePath, limits)
	case FormatTarGz:
		return validateTarGz(archivePath, limits)
	case Format7z:
		return nil
	}
	return NewError(http.StatusBadRequest, CodeUnsupportedFormat, "unsupported format: "+format)
}

func validateZip(archivePath string, limits ArchiveLimits) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return NewError(http.StatusBadRequest, CodeInvalidInput, "not a valid zip archive")
	}
	defer r.Close()

	if len(r.File) > limits.MaxEntries {
		return NewError(http.StatusBadRequest, CodeArchiveTooLarge,
			fmt.Sprintf("archive has %d entries, limit is %d", len(r.File), limits.MaxEntries))
	}
	var total int64
	for _, f := range r.File {
		if f.Mode()&os.ModeSymlink != 0 {
			return NewError(http.StatusBadRequest, CodeUnsafeArchivePath, "symlink entry: "+f.Name)
		}
		if _, err := securePath("/validate", f.Name); err != nil {
			return err
		}
		size := int64(f.UncompressedSize64)
		if size > limits.MaxFileSize {
			return NewError(http.StatusBadRequest, CodeArchiveTooLarge, "entry too large: "+f.Name)
		}
		total += size
		if total > limits.MaxTotalSize {
			return NewError(http.StatusBadRequest, CodeArchiveTooLarge, "archive expands past size limit")
		}
	}
	return nil
}

func validateTarGz(archivePath string, limits ArchiveLimits) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return NewError(http.StatusBadRequest, CodeInvalidInput, "not a valid gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var count int
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return NewError(http.StatusBadRequest, CodeInvalidInput, "corrupt tar stream")
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			return NewError(http.StatusBadRequest, CodeUnsafeArchivePath,
				"unsupported entry type: "+hdr.Name)
		}
		count++
		if count > limits.MaxEntries {
			return NewError(http.StatusBadRequest, CodeArchiveTooLarge,
				fmt.Sprintf("archive exceeds %d entries", limits.MaxEntries))
		}
		if _, err := securePath("/validate", hdr.Name); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg {
			if hdr.Size > limits.MaxFileSize {
				return NewError(http.StatusBadRequest, CodeArchiveTooLarge, "entry too large: "+hdr.Name)
			}
			total += hdr.Size
			if total > limits.MaxTotalSize {
				return NewError(http.StatusBadRequest, CodeArchiveTooLarge, "archive expands past size limit")
			}
		}
	}
}

// ExtractArchive is the extraction pass. The archive must already have passed
// ValidateArchive; limits are still enforced on the actual byte streams, so a
// lying header cannot push past them.
func ExtractArchive(
	ctx context.Context,
	archivePath, format, destDir string,
	limits ArchiveLimits,
	report ProgressFunc,
) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	var err error
	switch format {
	case FormatZip:
		err = extractZip(ctx, archivePath, destDir, limits, report)
	case FormatTarGz:
		err = extractTarGz(ctx, archivePath, destDir, limits, report)
	case Format7z:
		err = extract7z(ctx, archivePath, destDir)
	default:
		err = NewError(http.StatusBadRequest, CodeUnsupportedFormat, "unsupported format: "+format)
	}
	if err != nil {
		_ = os.RemoveAll(destDir)
		return err
	}
	// 解压后再整体复查一遍 防止工具层面绕过前置校验
	if err := PostValidateTree(destDir, limits); err != nil {
		_ = os.RemoveAll(destDir)
		return err
	}
	return nil
}

func extractZip(ctx context.Context, archivePath, destDir string, limits ArchiveLimits, report ProgressFunc) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return NewError(http.StatusBadRequest, CodeInvalidInput, "not a valid zip archive")
	}
	defer r.Close()

	var total int64
	for _, f := range r.File {
		total += int64(f.UncompressedSize64)
	}

	var processed int64
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := securePath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		n, err := writeEntry(target, rc, limits.MaxFileSize)
		_ = rc.Close()
		if err != nil {
			return err
		}
		processed += n
		if processed > limits.MaxTotalSize {
			return NewError(http.StatusBadRequest, CodeArchiveTooLarge, "archive expands past size limit")
		}
		if report != nil {
			if err := report(processed, total, f.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractTarGz(ctx context.Context, archivePath, destDir string, limits ArchiveLimits, report ProgressFunc) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return NewError(http.StatusBadRequest, CodeInvalidInput, "not a valid gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var processed int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return NewError(http.StatusBadRequest, CodeInvalidInput, "corrupt tar stream")
		}
		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			n, err := writeEntry(target, tr, limits.MaxFileSize)
			if err != nil {
				return err
			}
			processed += n
			if processed > limits.MaxTotalSize {
				return NewError(http.StatusBadRequest, CodeArchiveTooLarge, "archive expands past size limit")
			}
			if report != nil {
				if err := report(processed, 0, hdr.Name); err != nil {
					return err
				}
			}
		default:
			return NewError(http.StatusBadRequest, CodeUnsafeArchivePath,
				"unsupported entry type: "+hdr.Name)
		}
	}
}

func extract7z(ctx context.Context, archivePath, destDir string) error {
	bin := config.StorageConfigInstance.SevenZipBinary
	cmd := exec.CommandContext(ctx, bin, "x", "-y", "-o"+destDir, archivePath)
	if out, err := cmd.CombinedOutput(); err != nil {
		// 同 compress7z 被杀掉的进程要上抛 ctx 错误
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("7z extract failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// writeEntry streams one entry to disk, capped one byte above the per-file
// limit so an overshoot is detected without reading the rest.
func writeEntry(target string, src io.Reader, maxFileSize int64) (int64, error) {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(out, io.LimitReader(src, maxFileSize+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, err
	}
	if written > maxFileSize {
		return written, NewError(http.StatusBadRequest, CodeArchiveTooLarge, "entry too large: "+target)
	}
	return written, nil
}

// PostValidateTree re-walks the extraction output: every file must still
// resolve inside root, no symlinks, limits hold. The walk is iterative with
// a depth guard so a pathological tree cannot blow the stack.
func PostValidateTree(root string, limits ArchiveLimits) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	type frame struct {
		dir   string
		depth int
	}
	stack := []frame{{dir: absRoot, depth: 0}}
	var count int
	var total int64
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.depth > limits.MaxDepth {
			return NewError(http.StatusBadRequest, CodeArchiveTooLarge, "extracted tree too deep")
		}
		entries, err := os.ReadDir(top.dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			full := filepath.Join(top.dir, entry.Name())
			if !strings.HasPrefix(full, absRoot+string(os.PathSeparator)) {
				return NewError(http.StatusBadRequest, CodeUnsafeArchivePath, "path escapes target: "+full)
			}
			info, err := os.Lstat(full)
			if err != nil {
				return err
			}
			if info.Mode()&os.ModeSymlink != 0 || (!info.Mode().IsRegular() && !info.IsDir()) {
				return NewError(http.StatusBadRequest, CodeUnsafeArchivePath, "non-regular entry: "+full)
			}
			count++
			if count > limits.MaxEntries {
				return NewError(http.StatusBadRequest, CodeArchiveTooLarge, "extracted tree exceeds entry limit")
			}
			if info.IsDir() {
				stack = append(stack, frame{dir: full, depth: top.depth + 1})
				continue
			}
			total += info.Size()
			if total > limits.MaxTotalSize {
				return NewError(http.StatusBadRequest, CodeArchiveTooLarge, "extracted tree exceeds size limit")
			}
		}
	}
	return nil
}
