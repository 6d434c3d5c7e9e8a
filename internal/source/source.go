// Package source opens the ISO images to copy, from local paths or sftp:// URLs.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/validation"
)

const sftpScheme = "sftp://"

// ErrInvalidImage is returned for images that cannot be copied
var ErrInvalidImage = errors.New("invalid image")

// file is what both local and remote files provide
type file interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

// Image is an opened image. Close releases the file and, for remote images,
// the connection it came through.
type Image struct {
	// Name is the base name of the image
	Name string
	// Location is the path or URL the image was opened from
	Location string
	Size     int64

	file    file
	closers []io.Closer
}

func (i *Image) Read(p []byte) (int, error) {
	return i.file.Read(p)
}

func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	return i.file.ReadAt(p, off)
}

// Close closes the file and its connection
func (i *Image) Close() error {
	errs := []error{i.file.Close()}
	for _, c := range i.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// IsRemote reports whether location is an sftp:// URL
func IsRemote(location string) bool {
	return strings.HasPrefix(location, sftpScheme)
}

// BaseName is the file name an image at location gets on the Ventoy partition
func BaseName(location string) string {
	if IsRemote(location) {
		if loc, err := parseRemote(location); err == nil {
			return path.Base(loc.path)
		}
	}
	return filepath.Base(location)
}

// Opener opens images from local paths and SFTP servers
type Opener struct {
	sftp SFTPConfig
	dial dialFunc
}

// OpenerOption is a functional option for Opener
type OpenerOption func(*Opener)

// WithSFTPConfig sets how SFTP servers are authenticated
func WithSFTPConfig(cfg SFTPConfig) OpenerOption {
	return func(o *Opener) {
		o.sftp = cfg
	}
}

// withDialer replaces the SSH dialer (for testing)
func withDialer(dial dialFunc) OpenerOption {
	return func(o *Opener) {
		o.dial = dial
	}
}

// NewOpener creates an Opener
func NewOpener(opts ...OpenerOption) *Opener {
	o := &Opener{}
	for _, opt := range opts {
		opt(o)
	}
	if o.dial == nil {
		o.dial = o.dialSSH
	}
	return o
}

// Open opens the image at location for reading
func (o *Opener) Open(ctx context.Context, location string) (*Image, error) {
	if IsRemote(location) {
		return o.openRemote(ctx, location)
	}
	return openLocal(location)
}

func openLocal(location string) (*Image, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s: not a regular file", location)
	}

	return &Image{Name: filepath.Base(location), Location: location, Size: info.Size(), file: f}, nil
}

func (o *Opener) openRemote(ctx context.Context, location string) (*Image, error) {
	loc, err := parseRemote(location)
	if err != nil {
		return nil, err
	}

	client, conn, err := o.dial(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", loc.host, err)
	}

	f, err := client.Open(loc.path)
	if err != nil {
		client.Close()
		conn.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		client.Close()
		conn.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("%s: not a regular file", location)
	}

	log.Debug("opened remote image", "host", loc.host, "path", loc.path, "size", info.Size())
	return &Image{
		Name:     path.Base(loc.path),
		Location: location,
		Size:     info.Size(),
		file:     f,
		closers:  []io.Closer{client, conn},
	}, nil
}

// Validate checks that every image exists, is a readable regular file and is
// named like an ISO. All problems are reported together.
func (o *Opener) Validate(ctx context.Context, locations []string) error {
	if len(locations) == 0 {
		return fmt.Errorf("%w: no images given", ErrInvalidImage)
	}

	var errs []error
	for _, location := range locations {
		if err := o.validate(ctx, location); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Opener) validate(ctx context.Context, location string) error {
	if err := validation.ValidateImageName(BaseName(location)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	img, err := o.Open(ctx, location)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: file does not exist: %s", ErrInvalidImage, location)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: file is not readable: %s", ErrInvalidImage, location)
	case err != nil:
		return fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	// Reading the first byte catches unreadable files that still open
	_, err = img.ReadAt(make([]byte, 1), 0)
	img.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: file is not readable: %s: %w", ErrInvalidImage, location, err)
	}
	return nil
}

// TotalSize opens every image and sums their sizes
func (o *Opener) TotalSize(ctx context.Context, locations []string) (int64, error) {
	var total int64
	for _, location := range locations {
		img, err := o.Open(ctx, location)
		if err != nil {
			return 0, err
		}
		total += img.Size
		img.Close()
	}
	return total, nil
}
