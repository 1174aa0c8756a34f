package pipeline

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// TarSource maps one on-disk directory into a named top-level prefix of the
// archive. Files holds paths relative to Root; directories must be listed
// explicitly so empty directories and their modes survive the round trip.
type TarSource struct {
	Prefix string
	Root   string
	Files  []string
}

// TarPack returns the archival stage. It ignores its input stream and reads
// the filesystem directly; it belongs at the head of a pipeline.
func TarPack(sources []TarSource) Stage {
	return &tarPack{sources: sources}
}

type tarPack struct {
	sources []TarSource
}

func (t *tarPack) Name() string { return "tar" }

func (t *tarPack) Run(ctx context.Context, _ io.Reader, w io.Writer) error {
	tw := tar.NewWriter(w)
	for _, src := range t.sources {
		for _, rel := range src.Files {
			if err := ctx.Err(); err != nil {
				tw.Close()
				return err
			}
			if err := t.writeEntry(tw, src, rel); err != nil {
				tw.Close()
				return err
			}
		}
	}
	return tw.Close()
}

func (t *tarPack) writeEntry(tw *tar.Writer, src TarSource, rel string) error {
	full := filepath.Join(src.Root, rel)
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("stat %s: %w", full, err)
	}

	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(full)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", full, err)
		}
	}

	switch {
	case info.Mode().IsRegular(), info.IsDir(), link != "":
	default:
		// Sockets and fifos are runtime artifacts the app recreates.
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("tar header %s: %w", full, err)
	}
	hdr.Name = path.Join(src.Prefix, filepath.ToSlash(rel))
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("open %s: %w", full, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive %s: %w", full, err)
	}
	return nil
}

// TarUnpack returns the extraction stage. dests maps archive prefixes to
// destination directories; entries with an unknown prefix fail the stage.
// It consumes the whole input stream; it belongs at the tail of a pipeline.
func TarUnpack(dests map[string]string) Stage {
	return &tarUnpack{dests: dests}
}

type tarUnpack struct {
	dests map[string]string
}

func (t *tarUnpack) Name() string { return "untar" }

func (t *tarUnpack) Run(ctx context.Context, r io.Reader, _ io.Writer) error {
	tr := tar.NewReader(contextReader{ctx: ctx, r: r})
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := t.extractEntry(tr, hdr); err != nil {
			return err
		}
	}
}

func (t *tarUnpack) extractEntry(tr *tar.Reader, hdr *tar.Header) error {
	prefix, rel, err := splitEntryName(hdr.Name)
	if err != nil {
		return err
	}
	root, ok := t.dests[prefix]
	if !ok {
		return fmt.Errorf("unexpected archive prefix %q in entry %s", prefix, hdr.Name)
	}
	if rel == "" {
		// The prefix directory itself; the destination already exists.
		return nil
	}
	target := filepath.Join(root, filepath.FromSlash(rel))

	mode := hdr.FileInfo().Mode()
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode.Perm()); err != nil {
			return err
		}
		return os.Chmod(target, mode.Perm())
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("extract %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	default:
		return nil
	}
}

// splitEntryName validates an archive entry name and splits it into its
// top-level prefix and the remainder. Absolute names and parent traversal
// are rejected before anything touches the filesystem.
func splitEntryName(name string) (prefix, rel string, err error) {
	clean := path.Clean(strings.TrimSuffix(name, "/"))
	if clean == "." || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", fmt.Errorf("unsafe archive entry name %q", name)
	}
	if i := strings.IndexByte(clean, '/'); i >= 0 {
		return clean[:i], clean[i+1:], nil
	}
	return clean, "", nil
}
