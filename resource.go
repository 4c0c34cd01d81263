package mqttloop

import (
	"errors"
	"io"
	"io/fs"
	"sync"
)

// MaxResourceSize caps the size of a resource loaded into memory.
const MaxResourceSize = 1 << 20

type resourceStep uint8

const (
	resourceStat resourceStep = iota
	resourceOpen
	resourceRead
	resourceClose
	resourceDone
)

// ResourceLoader reads a whole resource through a ResourceBSP one call at
// a time. Step resumes where the previous call stopped, so a BSP that
// answers StatusWantRead suspends the load without losing progress.
type ResourceLoader struct {
	bsp  ResourceBSP
	name string

	step   resourceStep
	size   int64
	file   File
	offset int64
	data   *ByteBuffer
	status Status
}

// NewResourceLoader prepares to load name from bsp.
func NewResourceLoader(bsp ResourceBSP, name string) *ResourceLoader {
	return &ResourceLoader{bsp: bsp, name: name, file: -1}
}

// Name returns the resource name.
func (r *ResourceLoader) Name() string { return r.name }

// Done reports whether the load finished, successfully or not.
func (r *ResourceLoader) Done() bool { return r.step == resourceDone }

// Step advances the load. It returns StatusOK once the resource is in
// memory, StatusWantRead when the BSP asked to be called again, or the
// failure status. A failed load still closes the file.
func (r *ResourceLoader) Step() Status {
	for {
		switch r.step {
		case resourceStat:
			info, st := r.bsp.Stat(r.name)
			if st == StatusWantRead {
				return st
			}
			if st != StatusOK {
				return r.finish(st)
			}
			if info.Size < 0 || info.Size > MaxResourceSize {
				return r.finish(StatusBufferOverflow)
			}
			r.size = info.Size
			r.step = resourceOpen

		case resourceOpen:
			f, st := r.bsp.Open(r.name)
			if st == StatusWantRead {
				return st
			}
			if st != StatusOK {
				return r.finish(st)
			}
			r.file = f
			r.data = NewByteBuffer(int(r.size))
			r.step = resourceRead

		case resourceRead:
			if r.offset >= r.size {
				r.status = StatusOK
				r.step = resourceClose
				continue
			}
			free := r.data.Free()
			if remaining := r.size - r.offset; int64(len(free)) > remaining {
				free = free[:remaining]
			}
			n, st := r.bsp.Read(r.file, r.offset, free)
			if st == StatusWantRead {
				return st
			}
			if st != StatusOK || n == 0 {
				if st == StatusOK {
					st = StatusResourceError
				}
				r.status = st
				r.step = resourceClose
				continue
			}
			r.data.Commit(n)
			r.offset += int64(n)

		case resourceClose:
			st := r.bsp.Close(r.file)
			if st == StatusWantRead {
				return st
			}
			r.file = -1
			if r.status == StatusOK && st != StatusOK {
				r.status = st
			}
			return r.finish(r.status)

		default:
			return r.status
		}
	}
}

func (r *ResourceLoader) finish(st Status) Status {
	r.status = st
	r.step = resourceDone
	if st != StatusOK && r.data != nil {
		r.data.Release()
		r.data = nil
	}
	return st
}

// Take hands the loaded buffer to the caller, who must release it.
func (r *ResourceLoader) Take() *ByteBuffer {
	b := r.data
	r.data = nil
	return b
}

// Abort releases whatever the loader holds.
func (r *ResourceLoader) Abort() {
	if r.file >= 0 && r.step != resourceDone {
		r.bsp.Close(r.file)
		r.file = -1
	}
	if r.data != nil {
		r.data.Release()
		r.data = nil
	}
	r.step = resourceDone
}

// FSResources serves resources from an fs.FS.
type FSResources struct {
	fsys fs.FS

	mu    sync.Mutex
	next  File
	files map[File]fs.File
	pos   map[File]int64
}

// NewFSResources wraps fsys.
func NewFSResources(fsys fs.FS) *FSResources {
	return &FSResources{
		fsys:  fsys,
		files: make(map[File]fs.File),
		pos:   make(map[File]int64),
	}
}

// Stat returns the size of name.
func (r *FSResources) Stat(name string) (ResourceInfo, Status) {
	info, err := fs.Stat(r.fsys, name)
	if err != nil {
		return ResourceInfo{}, fsStatus(err)
	}
	if info.IsDir() {
		return ResourceInfo{}, StatusResourceError
	}
	return ResourceInfo{Size: info.Size()}, StatusOK
}

// Open opens name for reading.
func (r *FSResources) Open(name string) (File, Status) {
	f, err := r.fsys.Open(name)
	if err != nil {
		return -1, fsStatus(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.next
	r.next++
	r.files[h] = f
	r.pos[h] = 0
	return h, StatusOK
}

// Read reads from offset. Files without ReadAt only support sequential
// offsets.
func (r *FSResources) Read(f File, offset int64, p []byte) (int, Status) {
	r.mu.Lock()
	file, ok := r.files[f]
	pos := r.pos[f]
	r.mu.Unlock()
	if !ok {
		return 0, StatusElementNotFound
	}

	var (
		n   int
		err error
	)
	if ra, ok := file.(io.ReaderAt); ok {
		n, err = ra.ReadAt(p, offset)
	} else {
		if offset != pos {
			return 0, StatusResourceError
		}
		n, err = file.Read(p)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, StatusResourceError
	}

	r.mu.Lock()
	r.pos[f] = offset + int64(n)
	r.mu.Unlock()
	return n, StatusOK
}

// Close closes f.
func (r *FSResources) Close(f File) Status {
	r.mu.Lock()
	file, ok := r.files[f]
	delete(r.files, f)
	delete(r.pos, f)
	r.mu.Unlock()
	if !ok {
		return StatusElementNotFound
	}
	if err := file.Close(); err != nil {
		return StatusResourceError
	}
	return StatusOK
}

func fsStatus(err error) Status {
	if errors.Is(err, fs.ErrNotExist) {
		return StatusElementNotFound
	}
	return StatusResourceError
}
