// Package image implements the image registry and per-image cache
// map: named, revisioned image records backed by a bitmap of locally
// cached 4 KiB blocks.
package image

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockfabric/blockfabric/internal/crcmap"
)

// ErrNotFound is returned when an (name, revision) pair isn't registered.
var ErrNotFound = errors.New("image: not found")

// ErrNotWorking is returned by Get when the image exists but failed
// integrity verification and was marked not working.
var ErrNotWorking = errors.New("image: not working")

// Key identifies an image by (name, revision id); unique within a
// running process.
type Key struct {
	Name       string
	RevisionID uint16
}

// Uplink is the minimal interface the registry needs from a per-image
// uplink so image.go doesn't import the uplink package (which in turn
// depends on image.Image) — that would be a cycle. The image holds a
// non-owning pointer to its uplink, cleared under the image's lock on
// uplink shutdown, mirroring a weak back-reference.
type Uplink interface {
	Shutdown()
}

// Image is a single (name, revision) disk image record.
type Image struct {
	Key
	Path        string
	VirtualSize int64
	RealSize    int64

	mu                  sync.Mutex
	cacheMap            *CacheMap   // nil once complete
	crc                 *crcmap.Map // nil if no .crc sidecar was found
	readFD              *os.File
	refCount            int32
	working             bool
	uplink              Uplink // non-owning; cleared under mu
	completenessPercent float64
}

// CacheMap returns the image's cache map, or nil if it's complete.
func (img *Image) CacheMap() *CacheMap {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.cacheMap
}

// MarkComplete atomically drops the cache map once every block is
// present, so lookups fall onto the nil-means-all-present fast path.
func (img *Image) MarkComplete() {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.cacheMap = nil
}

// CRC returns the image's integrity map, or nil if it was loaded
// without a .crc sidecar.
func (img *Image) CRC() *crcmap.Map {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.crc
}

// SetCRC installs an integrity map on an already-registered image,
// e.g. once a background job finishes building one for an image that
// was created without a .crc sidecar.
func (img *Image) SetCRC(m *crcmap.Map) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.crc = m
}

// Working reports whether the image is eligible to be exported.
func (img *Image) Working() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.working
}

// MarkNotWorking transitions working true -> false. The transition is
// monotonic within a lifecycle: the next load of this (name, rid)
// creates a fresh Image.
func (img *Image) MarkNotWorking() {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.working = false
}

// ReadFD returns the image's open read descriptor.
func (img *Image) ReadFD() *os.File { return img.readFD }

// SetUplink installs the image's (non-owning) uplink pointer.
func (img *Image) SetUplink(u Uplink) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.uplink = u
}

// Uplink returns the image's current uplink, or nil if none.
func (img *Image) Uplink() Uplink {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.uplink
}

// ClearUplink drops the image's uplink pointer; called by the uplink
// itself as the last step of its shutdown.
func (img *Image) ClearUplink() {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.uplink = nil
}

// addRef/release maintain the count of Get callers that have not yet
// released the image; Registry.Release does not unregister it at zero.
func (img *Image) addRef() {
	img.mu.Lock()
	img.refCount++
	img.mu.Unlock()
}

func (img *Image) release() int32 {
	img.mu.Lock()
	img.refCount--
	n := img.refCount
	img.mu.Unlock()
	return n
}

// RefCount returns the current reference count.
func (img *Image) RefCount() int32 {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.refCount
}

// completenessRefreshInterval bounds how often PercentComplete is
// recomputed for a given image; the registry's go-cache TTL enforces
// this so repeated status queries don't walk the whole bitmap.
const completenessRefreshInterval = 5 * time.Second

// ForwardSelectImage is the optional proxy-mode hook: when a lookup
// misses locally, the registry can ask it to perform a SELECT_IMAGE
// handshake against a known alt server. A non-nil result means the
// image exists upstream with the given virtual size.
type ForwardSelectImage func(ctx context.Context, name string, rid uint16) (virtualSize int64, canonicalName string, canonicalRid uint16, err error)

// Registry is the process-wide table of known images.
type Registry struct {
	basePath    string
	sparseFiles bool // preallocate (false) vs hole-punch (true) new proxy images
	log         *logrus.Entry

	mu     sync.RWMutex
	images map[Key]*Image

	completeness *gocache.Cache
	forward      ForwardSelectImage
	onProxyReady func(*Image)
}

// New returns an empty Registry rooted at basePath.
func New(basePath string, sparseFiles bool, log *logrus.Entry) *Registry {
	return &Registry{
		basePath:     basePath,
		sparseFiles:  sparseFiles,
		log:          log,
		images:       make(map[Key]*Image),
		completeness: gocache.New(completenessRefreshInterval, 2*completenessRefreshInterval),
	}
}

// SetForwardHook installs the proxy-mode SELECT_IMAGE forwarding hook.
func (r *Registry) SetForwardHook(f ForwardSelectImage) { r.forward = f }

// SetProxyReadyHook installs a callback run once a proxy image record
// has been created, so the caller can finish wiring an uplink (C7)
// onto it — the forward hook itself runs before the Image exists, so
// it cannot call SetUplink directly.
func (r *Registry) SetProxyReadyHook(f func(*Image)) { r.onProxyReady = f }

// ridPrefix names revision directories: "<name>/rid-<revision>" under
// the base path.
const ridPrefix = "rid-"

// LoadAll walks the base path, registering every image found by
// (name, revision id) and opening its cache map if present.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return errors.Wrap(err, "image: read base path")
	}
	for _, nameEnt := range entries {
		if !nameEnt.IsDir() {
			continue
		}
		name := nameEnt.Name()
		revDir := filepath.Join(r.basePath, name)
		revEntries, err := os.ReadDir(revDir)
		if err != nil {
			r.log.WithError(err).WithField("image", name).Warn("skipping unreadable image directory")
			continue
		}
		for _, revEnt := range revEntries {
			if !revEnt.IsDir() || !strings.HasPrefix(revEnt.Name(), ridPrefix) {
				continue
			}
			rid, err := strconv.ParseUint(strings.TrimPrefix(revEnt.Name(), ridPrefix), 10, 16)
			if err != nil {
				continue
			}
			if err := r.loadOne(name, uint16(rid), filepath.Join(revDir, revEnt.Name())); err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{"image": name, "rid": rid}).
					Warn("failed to load image, skipping")
			}
		}
	}
	return nil
}

func (r *Registry) loadOne(name string, rid uint16, dir string) error {
	dataPath := filepath.Join(dir, "data.img")
	fi, err := os.Stat(dataPath)
	if err != nil {
		return errors.Wrap(err, "stat data file")
	}
	fd, err := os.Open(dataPath)
	if err != nil {
		return errors.Wrap(err, "open data file")
	}

	virtualSize := roundUpBlock(fi.Size())
	img := &Image{
		Key:         Key{Name: name, RevisionID: rid},
		Path:        dir,
		VirtualSize: virtualSize,
		RealSize:    fi.Size(),
		readFD:      fd,
		working:     true,
	}

	mapPath := filepath.Join(dir, "cache.map")
	if mapBytes, err := os.ReadFile(mapPath); err == nil {
		img.cacheMap = NewCacheMapFromBytes(mapBytes, virtualSize)
	}
	// Absence of cache.map means "complete" (cacheMap stays nil).

	crcPath := filepath.Join(dir, "data.crc")
	if crcFile, err := os.Open(crcPath); err == nil {
		m, loadErr := crcmap.Load(crcFile)
		crcFile.Close()
		if loadErr != nil {
			r.log.WithError(loadErr).WithField("image", name).Warn("image: malformed .crc sidecar, marking not working")
			img.working = false
		} else if verifyErr := crcmap.Verify(m); verifyErr != nil {
			r.log.WithError(verifyErr).WithField("image", name).Error("image: CRC master checksum mismatch, marking not working")
			img.working = false
		} else {
			img.crc = m
		}
	}
	// Absence of data.crc means the image carries no integrity map;
	// per-chunk verification on uplink replies is simply skipped.

	r.mu.Lock()
	r.images[img.Key] = img
	r.mu.Unlock()
	return nil
}

func roundUpBlock(n int64) int64 {
	return (n + BlockSize - 1) &^ (BlockSize - 1)
}

// Get returns a referenced handle to (name, rid), forwarding to the
// proxy hook on a local miss if one is installed. Callers must call
// Release when done.
func (r *Registry) Get(ctx context.Context, name string, rid uint16) (*Image, error) {
	key := Key{Name: name, RevisionID: rid}
	r.mu.RLock()
	img, ok := r.images[key]
	r.mu.RUnlock()
	if ok {
		if !img.Working() {
			return nil, ErrNotWorking
		}
		img.addRef()
		return img, nil
	}
	if r.forward == nil {
		return nil, ErrNotFound
	}
	virtualSize, canonicalName, canonicalRid, err := r.forward(ctx, name, rid)
	if err != nil {
		return nil, errors.Wrap(err, "image: forward SELECT_IMAGE")
	}
	img, err = r.createProxyImage(canonicalName, canonicalRid, virtualSize)
	if err != nil {
		return nil, err
	}
	if r.onProxyReady != nil {
		r.onProxyReady(img)
	}
	return img, nil
}

// createProxyImage materializes a local record for an image first
// seen through proxied discovery: a sparse local file (preallocated
// or hole-punched depending on sparseFiles) plus an all-zero cache
// map.
func (r *Registry) createProxyImage(name string, rid uint16, virtualSize int64) (*Image, error) {
	dir := filepath.Join(r.basePath, name, ridPrefix+strconv.FormatUint(uint64(rid), 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "image: mkdir")
	}
	dataPath := filepath.Join(dir, "data.img")
	fd, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "image: create data file")
	}
	if r.sparseFiles {
		if err := fd.Truncate(virtualSize); err != nil {
			fd.Close()
			return nil, errors.Wrap(err, "image: truncate sparse file")
		}
	} else {
		if err := preallocate(fd, virtualSize); err != nil {
			fd.Close()
			return nil, errors.Wrap(err, "image: preallocate file")
		}
	}

	img := &Image{
		Key:         Key{Name: name, RevisionID: rid},
		Path:        dir,
		VirtualSize: virtualSize,
		readFD:      fd,
		working:     true,
		cacheMap:    NewCacheMap(virtualSize),
	}
	img.refCount = 1

	r.mu.Lock()
	r.images[img.Key] = img
	r.mu.Unlock()
	return img, nil
}

// Release drops a reference obtained from Get. The record stays
// registered, with its descriptor open, when the count reaches zero,
// so a later Get finds it again.
func (r *Registry) Release(img *Image) {
	img.release()
}

// CompletenessPercent returns a cached completeness estimate for the
// image, recomputing at most once per completenessRefreshInterval
// rather than walking the whole bitmap on every status query.
func (r *Registry) CompletenessPercent(img *Image) float64 {
	cacheKey := img.Name + "/" + strconv.FormatUint(uint64(img.RevisionID), 10)
	if v, ok := r.completeness.Get(cacheKey); ok {
		return v.(float64)
	}
	pct := img.CacheMap().PercentComplete()
	r.completeness.Set(cacheKey, pct, gocache.DefaultExpiration)
	return pct
}

// List returns a stable-ordered snapshot of every known image's key,
// used by an out-of-scope status surface, which would call this.
func (r *Registry) List() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.images))
	for k := range r.images {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].RevisionID < keys[j].RevisionID
	})
	return keys
}
