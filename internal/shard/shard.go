package shard

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Partition identifies one of the three disjoint activity partitions.
type Partition int

const (
	// PartitionA holds ids ending in 0-3.
	PartitionA Partition = iota
	// PartitionB holds ids ending in 4-7.
	PartitionB
	// PartitionC holds ids ending in 8, 9 and every other character.
	PartitionC
)

// Partitions lists all partitions in bucket order.
var Partitions = [...]Partition{PartitionA, PartitionB, PartitionC}

func (p Partition) String() string {
	switch p {
	case PartitionA:
		return "A"
	case PartitionB:
		return "B"
	default:
		return "C"
	}
}

// DefaultSuffixes are appended to the activities base bucket name.
var DefaultSuffixes = [3]string{"-a", "-b", "-c"}

// PartitionOf returns the partition holding the entity. It only inspects the
// last character of the id and never fails.
func PartitionOf(id string) Partition {
	if id == "" {
		return PartitionC
	}
	switch c := id[len(id)-1]; {
	case c >= '0' && c <= '3':
		return PartitionA
	case c >= '4' && c <= '7':
		return PartitionB
	default:
		return PartitionC
	}
}

// Resolver maps entity ids to physical activity buckets.
type Resolver struct {
	Base     string
	Suffixes [3]string
}

// NewResolver returns a resolver using DefaultSuffixes.
func NewResolver(base string) Resolver {
	return Resolver{Base: base, Suffixes: DefaultSuffixes}
}

// Bucket returns the bucket holding the entity's activities.
func (r Resolver) Bucket(id string) string {
	return r.Base + r.Suffixes[PartitionOf(id)]
}

// Buckets returns every partition bucket in partition order. Multi-bucket
// listings walk them in this order, and resumption relies on it.
func (r Resolver) Buckets() []string {
	buckets := make([]string, 0, len(Partitions))
	for _, p := range Partitions {
		buckets = append(buckets, r.Base+r.Suffixes[p])
	}
	return buckets
}

// ErrInvalidID is returned for entity ids that cannot name a single
// directory below the checksum directory.
var ErrInvalidID = errors.New("shard: invalid entity id")

// ValidateID rejects ids that are empty or contain a path separator or a
// dot. Entity ids are joined into local paths, so "../x" or "" would name a
// directory outside the entity's own.
func ValidateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Checksum returns the fan-out directory for an entity: its last three
// characters, or the whole id when shorter.
func Checksum(id string) string {
	if len(id) <= 3 {
		return id
	}
	return id[len(id)-3:]
}

// SummaryKey returns the object key of an entity's summary document.
func SummaryKey(id string) string {
	return Checksum(id) + "/" + id + ".xml"
}

// ActivityPrefix returns the key prefix under which an entity's activities
// are stored.
func ActivityPrefix(id string) string {
	return Checksum(id) + "/" + id + "/"
}

// Kind is a resource stream with its own key layout.
type Kind string

const (
	// Summaries keys look like "shard/filename".
	Summaries Kind = "summaries"
	// Activities keys look like "shard/entity/subtype/filename".
	Activities Kind = "activities"
)

// ErrInvalidKey is returned for keys that do not follow the layout of their
// kind or that would escape the output directory.
var ErrInvalidKey = errors.New("shard: invalid object key")

// Object describes a remote object to fetch. It is decomposed from the key
// and never mutated.
type Object struct {
	Kind     Kind
	Bucket   string
	Key      string
	Shard    string
	EntityID string
	Subtype  string
	Filename string
	Size     int64
	ModTime  time.Time
}

// ParseKey decomposes key according to the layout of kind.
func ParseKey(kind Kind, bucket, key string) (Object, error) {
	segments := strings.Split(key, "/")
	for _, s := range segments {
		if s == "" || s == "." || s == ".." || strings.Contains(s, `\`) {
			return Object{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}

	obj := Object{Kind: kind, Bucket: bucket, Key: key}
	switch kind {
	case Summaries:
		if len(segments) != 2 {
			return Object{}, fmt.Errorf("%w: %q: want shard/filename", ErrInvalidKey, key)
		}
		obj.Shard = segments[0]
		obj.Filename = segments[1]
		obj.EntityID = strings.TrimSuffix(obj.Filename, path.Ext(obj.Filename))
	case Activities:
		if len(segments) != 4 {
			return Object{}, fmt.Errorf("%w: %q: want shard/entity/subtype/filename", ErrInvalidKey, key)
		}
		obj.Shard = segments[0]
		obj.EntityID = segments[1]
		obj.Subtype = segments[2]
		obj.Filename = segments[3]
	default:
		return Object{}, fmt.Errorf("shard: unknown kind %q", kind)
	}
	return obj, nil
}

// LocalPath returns where the object is stored below root.
func (o Object) LocalPath(root string) string {
	return filepath.Join(root, string(o.Kind), filepath.FromSlash(o.Key))
}

// EntityDir returns the local directory holding every object of an entity
// of the given kind. The id must pass ValidateID.
func EntityDir(root string, kind Kind, id string) string {
	if kind == Summaries {
		return filepath.Join(root, string(kind), Checksum(id))
	}
	return filepath.Join(root, string(kind), Checksum(id), id)
}
