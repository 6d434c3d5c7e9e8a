package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/kriansa/ventoy-writer/internal/size"
)

// Details describes an image without copying it
type Details struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	SizeStr  string `json:"size_str"`
	// Label is the ISO 9660 volume identifier, empty for images that are not ISO 9660
	Label string `json:"label,omitempty"`
	// Bootable reports whether the image has an El Torito boot catalog
	Bootable bool `json:"bootable"`
}

// Inspect reads the volume descriptor of the image at location
func (o *Opener) Inspect(ctx context.Context, location string) (*Details, error) {
	img, err := o.Open(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	defer img.Close()

	details := &Details{
		Name:     img.Name,
		Location: location,
		Size:     img.Size,
		SizeStr:  size.Format(uint64(img.Size)),
	}

	iso, err := iso9660.OpenImage(img)
	if err != nil {
		// Raw disk images renamed to .iso still boot from Ventoy
		return details, nil
	}

	label, err := iso.Label()
	if err == nil {
		details.Label = strings.TrimSpace(label)
	}

	root, err := iso.RootDir()
	if err == nil {
		details.Bootable = hasBootCatalog(root)
	}

	return details, nil
}

// hasBootCatalog looks for the boot catalog most mkisofs style tools write
// into the root or the isolinux/boot directories
func hasBootCatalog(root *iso9660.File) bool {
	children, err := root.GetChildren()
	if err != nil {
		return false
	}
	for _, c := range children {
		name := strings.ToLower(c.Name())
		switch {
		case strings.HasPrefix(name, "boot.cat"):
			return true
		case c.IsDir() && (name == "isolinux" || name == "boot"):
			if hasBootCatalog(c) {
				return true
			}
		}
	}
	return false
}
