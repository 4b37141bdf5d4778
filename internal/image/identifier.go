package image

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/distribution/reference"
)

const (

	// Tag assumed when a reference does not name one.
	DefaultTag = "latest"

	// Registry folded away during normalization.
	dockerHub = "docker.io"

	// Path prefix of official images on the default registry.
	officialPrefix = "library/"
)

// Names an image by registry, repository, and tag.
//
// Identifiers are normalized: the default registry is stored as an empty
// string and official images drop their "library/" prefix, so "ubuntu" and
// "docker.io/library/ubuntu:latest" produce equal values. Identifiers are
// comparable and may be used as map keys.
type Identifier struct {
	Registry   string // Registry host, empty for the default registry.
	Repository string // Repository path within the registry.
	Tag        string // Tag, never empty.
}

// Creates an identifier on the default registry.
func New(repository, tag string) Identifier {
	return NewWithRegistry("", repository, tag)
}

// Creates an identifier on the given registry. An empty tag means
// [DefaultTag].
func NewWithRegistry(registry, repository, tag string) Identifier {
	if tag == "" {
		tag = DefaultTag
	}
	if registry == dockerHub {
		registry = ""
	}
	if registry == "" {
		repository = strings.TrimPrefix(repository, officialPrefix)
	}
	return Identifier{Registry: registry, Repository: repository, Tag: tag}
}

// Parses a reference of the form [registry/]repository[:tag].
//
// Digest-only references and names that are not valid image references
// return [ErrInvalidReference]. Engines report untagged images as
// "<none>:<none>", which also fails to parse.
func Parse(s string) (Identifier, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: %q: %w", ErrInvalidReference, s, err)
	}

	tagged, ok := reference.TagNameOnly(named).(reference.Tagged)
	if !ok {
		return Identifier{}, fmt.Errorf("%w: %q has no tag", ErrInvalidReference, s)
	}

	return NewWithRegistry(reference.Domain(named), reference.Path(named), tagged.Tag()), nil
}

// Returns the short form [registry/]repository:tag.
func (id Identifier) String() string {
	if id.Registry != "" {
		return id.Registry + "/" + id.Repository + ":" + id.Tag
	}
	return id.Repository + ":" + id.Tag
}

// Returns the fully qualified reference used to pull the image, for example
// "docker.io/library/ubuntu:latest".
func (id Identifier) Reference() string {
	named, err := reference.ParseNormalizedNamed(id.String())
	if err != nil {
		return id.String()
	}
	return named.String()
}

// Orders identifiers by repository, then tag, then registry.
//
// Registries only take part when both sides name one, so an identifier
// without a registry sorts next to any registry-qualified form of the same
// repository and tag.
func (id Identifier) Compare(o Identifier) int {
	if c := cmp.Compare(id.Repository, o.Repository); c != 0 {
		return c
	}
	if c := cmp.Compare(id.Tag, o.Tag); c != 0 {
		return c
	}
	if id.Registry != "" && o.Registry != "" {
		return cmp.Compare(id.Registry, o.Registry)
	}
	return 0
}

// Sorts identifiers in place using [Identifier.Compare].
//
// Identifiers that compare equal keep a deterministic order by registry.
func Sort(ids []Identifier) {
	slices.SortFunc(ids, func(a, b Identifier) int {
		if c := a.Compare(b); c != 0 {
			return c
		}
		return cmp.Compare(a.Registry, b.Registry)
	})
}
