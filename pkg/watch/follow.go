package watch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow copies path to out and keeps copying what is appended until ctx is
// done. A truncated file is read again from the start. When skip is true
// the current content is not copied.
func Follow(ctx context.Context, path string, out io.Writer, skip bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if skip {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return err
		}
	} else if _, err := io.Copy(out, f); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	// The directory is watched so a rotated file is noticed.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if name, _ := filepath.Abs(event.Name); name != abs {
				continue
			}

			if event.Has(fsnotify.Create) {
				// Recreated: follow the new file from its start.
				nf, err := os.Open(path)
				if err != nil {
					continue
				}
				f.Close()
				f = nf
			}
			if err := copyAppended(f, out); err != nil {
				return err
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func copyAppended(f *os.File, out io.Writer) error {
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < offset {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
	_, err = io.Copy(out, f)
	return err
}
