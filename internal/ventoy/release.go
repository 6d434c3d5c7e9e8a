package ventoy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/go-github/v55/github"

	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/version"
)

const (
	// DefaultVersion is the Ventoy release installed unless configured otherwise
	DefaultVersion = "1.1.05"
	// DefaultURLTemplate is where release archives are downloaded from.
	// Every {version} is replaced by the release version.
	DefaultURLTemplate = "https://github.com/ventoy/Ventoy/releases/download/v{version}/ventoy-{version}-linux.tar.gz"

	releaseOwner = "ventoy"
	releaseRepo  = "Ventoy"
	assetSuffix  = "-linux.tar.gz"
)

// supportedVersions are the releases whose Ventoy2Disk.sh accepts "-i <device>"
// and asks for two confirmations
var supportedVersions = mustConstraint(">= 1.0.0")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// Release is a Ventoy release archive
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// NewRelease validates version and builds the archive URL from urlTemplate.
// An empty template means DefaultURLTemplate.
func NewRelease(ver, urlTemplate string) (Release, error) {
	if err := checkVersion(ver); err != nil {
		return Release{}, err
	}
	if urlTemplate == "" {
		urlTemplate = DefaultURLTemplate
	}
	return Release{
		Version: ver,
		URL:     strings.ReplaceAll(urlTemplate, "{version}", ver),
	}, nil
}

// DefaultRelease is the release pinned by this build
func DefaultRelease() Release {
	rel, err := NewRelease(DefaultVersion, DefaultURLTemplate)
	if err != nil {
		panic(err)
	}
	return rel
}

func checkVersion(ver string) error {
	v, err := semver.NewVersion(ver)
	if err != nil {
		return fmt.Errorf("invalid ventoy version %q: %w", ver, err)
	}
	if !supportedVersions.Check(v) {
		return fmt.Errorf("unsupported ventoy version %s (want %s)", ver, supportedVersions)
	}
	return nil
}

// ReleaseResolver looks up Ventoy releases on GitHub
type ReleaseResolver struct {
	client *github.Client
}

// NewReleaseResolver creates a resolver. A nil client uses the public API.
func NewReleaseResolver(client *github.Client) *ReleaseResolver {
	if client == nil {
		client = github.NewClient(http.DefaultClient)
	}
	client.UserAgent = version.UserAgent()
	return &ReleaseResolver{client: client}
}

// Latest returns the newest stable release with a Linux archive
func (r *ReleaseResolver) Latest(ctx context.Context) (Release, error) {
	log.Debug("resolving latest ventoy release")

	rel, _, err := r.client.Repositories.GetLatestRelease(ctx, releaseOwner, releaseRepo)
	if err != nil {
		return Release{}, fmt.Errorf("get latest release: %w", err)
	}

	ver := strings.TrimPrefix(rel.GetTagName(), "v")
	if err := checkVersion(ver); err != nil {
		return Release{}, fmt.Errorf("latest release: %w", err)
	}

	for _, asset := range rel.Assets {
		if strings.HasSuffix(asset.GetName(), assetSuffix) {
			log.Info("resolved latest ventoy release", "version", ver)
			return Release{Version: ver, URL: asset.GetBrowserDownloadURL()}, nil
		}
	}

	return Release{}, fmt.Errorf("release %s has no %s asset", rel.GetTagName(), assetSuffix)
}
