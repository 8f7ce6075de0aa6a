// Package ninep implements a virtio-9p MMIO device presenting one tagged
// host directory to the guest via a subset of 9P2000.L sufficient for the
// guest agent to bind-mount it with trans=virtio. Per spec.md §4.4, a full
// protocol stack is not required here: the contract is "given tag T and a
// guest path P, the guest mounts it with the declared mode and POSIX
// semantics apply" — this device implements exactly the message types a
// Linux 9p client issues to satisfy that contract (version/attach/walk,
// lopen/lcreate/mkdir, read/write, getattr/readdir, clunk) and rejects
// anything else with EOPNOTSUPP, rather than porting every handler a fuller
// reference implementation offers (xattrwalk, statfs, readlink, symlink
// traversal during walk). See DESIGN.md, "virtio-9p scope".
package ninep

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/the-void-ia/void-box/internal/virtio/mmio"
	"github.com/the-void-ia/void-box/internal/virtqueue"
	"github.com/the-void-ia/void-box/internal/vmm/guestmem"
)

// DeviceType is VIRTIO_ID_9P.
const DeviceType = 9

const (
	featMountTag = 1 << 0
	featVersion1 = 1 << 32
)

const queueSize = 128

// 9P2000.L message types this device understands. Numeric values are fixed
// by the protocol, not chosen by this implementation.
const (
	tVersion  = 100
	rVersion  = 101
	tAttach   = 104
	rAttach   = 105
	tWalk     = 110
	rWalk     = 111
	tLopen    = 12
	rLopen    = 13
	tLcreate  = 14
	rLcreate  = 15
	tRead     = 116
	rRead     = 117
	tWrite    = 118
	rWrite    = 119
	tClunk    = 120
	rClunk    = 121
	tGetattr  = 24
	rGetattr  = 25
	tReaddir  = 40
	rReaddir  = 41
	tMkdir    = 72
	rMkdir    = 73
	rError    = 7
)

const qidSize = 13

const maxMsize = 64 << 10

// fidState tracks one client-assigned fid: the host path it resolved to,
// and an open *os.File once Tlopen/Tlcreate has been issued against it.
type fidState struct {
	path     string
	openFile *os.File
}

// Device is a read-only-or-read-write virtio-9p device rooted at one host
// directory, identified to the guest by mount tag.
type Device struct {
	mu sync.Mutex

	bank *mmio.Bank

	rootDir  string
	mountTag string
	readOnly bool

	fids map[uint32]*fidState
}

// NewDevice roots a new device at rootDir, exposed to the guest under tag.
// rootDir must exist; it is resolved to its absolute, symlink-free form up
// front so every later path-containment check compares against a stable
// prefix.
func NewDevice(tag, rootDir string, readOnly bool) (*Device, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("ninep: resolve root %s: %w", rootDir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("ninep: resolve root %s: %w", rootDir, err)
	}
	return &Device{
		rootDir:  resolved,
		mountTag: tag,
		readOnly: readOnly,
		fids:     make(map[uint32]*fidState),
	}, nil
}

// AttachBank wires the device to its register bank, mirroring blk.Device
// and net.Device's two-step construction.
func (d *Device) AttachBank(bank *mmio.Bank) {
	d.mu.Lock()
	d.bank = bank
	d.mu.Unlock()
}

func (d *Device) DeviceID() uint32     { return DeviceType }
func (d *Device) Features() uint64     { return featMountTag | featVersion1 }
func (d *Device) QueueSizes() []uint16 { return []uint16{queueSize} }

// ConfigRead exposes the mount tag as a 9p-config blob: tag_len(2) + tag
// bytes, matching what a Linux 9p/virtio client reads to learn the tag it
// is attaching to without a separate out-of-band channel.
func (d *Device) ConfigRead(offset uint64, data []byte) {
	tag := []byte(d.mountTag)
	cfg := make([]byte, 2+len(tag))
	cfg[0] = byte(len(tag))
	cfg[1] = byte(len(tag) >> 8)
	copy(cfg[2:], tag)

	if offset >= uint64(len(cfg)) {
		for i := range data {
			data[i] = 0
		}
		return
	}
	n := copy(data, cfg[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

// Reset drops every open fid, matching a Tversion renegotiation.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.fids {
		if f.openFile != nil {
			f.openFile.Close()
		}
	}
	d.fids = make(map[uint32]*fidState)
}

// Close releases every fid's open file handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.fids {
		if f.openFile != nil {
			f.openFile.Close()
		}
	}
	d.fids = make(map[uint32]*fidState)
	return nil
}

// Notify drains every available descriptor chain on the single request
// queue, dispatches each as one 9P request/response pair, and pushes a
// used-ring entry per request.
func (d *Device) Notify(mem *guestmem.Memory, idx int, q *virtqueue.Queue) {
	if idx != 0 {
		return
	}
	for {
		chain, ok, err := q.PopChain(mem)
		if err != nil || !ok {
			return
		}

		req := readChain(mem, chain)
		resp := d.handleRequest(req)
		written, _ := virtqueue.Write(mem, chain, resp)

		d.mu.Lock()
		bank := d.bank
		d.mu.Unlock()
		if bank != nil {
			_ = bank.PushUsed(0, chain, uint32(written))
		}
	}
}

func readChain(mem *guestmem.Memory, chain []virtqueue.Descriptor) []byte {
	var total int
	for _, desc := range chain {
		if !desc.Write {
			total += int(desc.Len)
		}
	}
	buf := make([]byte, total)
	n, _ := virtqueue.Read(mem, chain, 0, buf)
	return buf[:n]
}

// handleRequest dispatches one complete 9P request (including its 4-byte
// size header) and returns the complete response message.
func (d *Device) handleRequest(data []byte) []byte {
	if len(data) < 7 {
		return buildError(0, syscall.EIO)
	}
	msgType := data[4]
	tag := le16(data[5:7])
	payload := data[7:]

	d.mu.Lock()
	defer d.mu.Unlock()

	switch msgType {
	case tVersion:
		return d.handleVersion(tag, payload)
	case tAttach:
		return d.handleAttach(tag, payload)
	case tWalk:
		return d.handleWalk(tag, payload)
	case tLopen:
		return d.handleLopen(tag, payload)
	case tLcreate:
		return d.handleLcreate(tag, payload)
	case tRead:
		return d.handleRead(tag, payload)
	case tWrite:
		return d.handleWrite(tag, payload)
	case tClunk:
		return d.handleClunk(tag, payload)
	case tGetattr:
		return d.handleGetattr(tag, payload)
	case tReaddir:
		return d.handleReaddir(tag, payload)
	case tMkdir:
		return d.handleMkdir(tag, payload)
	default:
		return buildError(tag, syscall.EOPNOTSUPP)
	}
}

// -- message builders --------------------------------------------------

func buildMessage(msgType uint8, tag uint16, payload []byte) []byte {
	size := uint32(4 + 1 + 2 + len(payload))
	msg := make([]byte, 0, size)
	msg = appendLE32(msg, size)
	msg = append(msg, msgType)
	msg = appendLE16(msg, tag)
	msg = append(msg, payload...)
	return msg
}

func buildError(tag uint16, errno syscall.Errno) []byte {
	return buildMessage(rError, tag, appendLE32(nil, uint32(errno)))
}

func ioErrorToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno
		}
	}
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if os.IsPermission(err) {
		return syscall.EACCES
	}
	if os.IsExist(err) {
		return syscall.EEXIST
	}
	if err == io.EOF {
		return 0
	}
	return syscall.EIO
}

// buildQID derives a 9P qid (type(1)+version(4)+path(8)) from a FileInfo,
// using mtime truncated to 32 bits as version and inode as path, matching
// the convention Linux 9p clients expect for cache invalidation.
func buildQID(fi os.FileInfo) [qidSize]byte {
	var qid [qidSize]byte
	switch {
	case fi.IsDir():
		qid[0] = 0x80
	case fi.Mode()&os.ModeSymlink != 0:
		qid[0] = 0x02
	default:
		qid[0] = 0x00
	}
	version := uint32(fi.ModTime().Unix())
	putLE32(qid[1:5], version)
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		putLE64(qid[5:13], st.Ino)
	}
	return qid
}

// -- 9P handlers ---------------------------------------------------------

func (d *Device) handleVersion(tag uint16, payload []byte) []byte {
	if len(payload) < 6 {
		return buildError(tag, syscall.EINVAL)
	}
	clientMsize := le32(payload[0:4])
	msize := clientMsize
	if msize > maxMsize {
		msize = maxMsize
	}

	for _, f := range d.fids {
		if f.openFile != nil {
			f.openFile.Close()
		}
	}
	d.fids = make(map[uint32]*fidState)

	const version = "9P2000.L"
	resp := appendLE32(nil, msize)
	resp = appendLE16(resp, uint16(len(version)))
	resp = append(resp, version...)
	return buildMessage(rVersion, tag, resp)
}

func (d *Device) handleAttach(tag uint16, payload []byte) []byte {
	if len(payload) < 12 {
		return buildError(tag, syscall.EINVAL)
	}
	fid := le32(payload[0:4])

	fi, err := os.Stat(d.rootDir)
	if err != nil {
		return buildError(tag, ioErrorToErrno(err))
	}

	d.fids[fid] = &fidState{path: d.rootDir}
	qid := buildQID(fi)
	return buildMessage(rAttach, tag, qid[:])
}

func (d *Device) handleWalk(tag uint16, payload []byte) []byte {
	if len(payload) < 10 {
		return buildError(tag, syscall.EINVAL)
	}
	fid := le32(payload[0:4])
	newfid := le32(payload[4:8])
	nwname := le16(payload[8:10])

	base, ok := d.fids[fid]
	if !ok {
		return buildError(tag, syscall.EBADF)
	}

	if nwname == 0 {
		d.fids[newfid] = &fidState{path: base.path}
		return buildMessage(rWalk, tag, appendLE16(nil, 0))
	}

	current := base.path
	var qids [][qidSize]byte
	off := 10
	for i := 0; i < int(nwname); i++ {
		if off+2 > len(payload) {
			return buildError(tag, syscall.EINVAL)
		}
		nameLen := int(le16(payload[off : off+2]))
		off += 2
		if off+nameLen > len(payload) {
			return buildError(tag, syscall.EINVAL)
		}
		name := string(payload[off : off+nameLen])
		off += nameLen

		next := walkComponent(d.rootDir, current, name)
		if !withinRoot(d.rootDir, next) {
			return buildError(tag, syscall.EACCES)
		}

		fi, err := os.Lstat(next)
		if err != nil {
			if len(qids) > 0 {
				break
			}
			return buildError(tag, ioErrorToErrno(err))
		}
		var qid [qidSize]byte
		qid = buildQID(fi)
		qids = append(qids, qid)
		current = next
	}

	d.fids[newfid] = &fidState{path: current}

	resp := appendLE16(nil, uint16(len(qids)))
	for _, q := range qids {
		resp = append(resp, q[:]...)
	}
	return buildMessage(rWalk, tag, resp)
}

func walkComponent(root, current, name string) string {
	switch name {
	case ".":
		return current
	case "..":
		if current == root {
			return root
		}
		parent := filepath.Dir(current)
		if !withinRoot(root, parent) {
			return root
		}
		return parent
	default:
		return filepath.Join(current, name)
	}
}

func withinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func (d *Device) handleLopen(tag uint16, payload []byte) []byte {
	if len(payload) < 8 {
		return buildError(tag, syscall.EINVAL)
	}
	fid := le32(payload[0:4])
	flags := le32(payload[4:8])

	state, ok := d.fids[fid]
	if !ok {
		return buildError(tag, syscall.EBADF)
	}

	fi, err := os.Stat(state.path)
	if err != nil {
		return buildError(tag, ioErrorToErrno(err))
	}

	if !fi.IsDir() {
		openFlags, rerr := d.translateOpenFlags(flags)
		if rerr != 0 {
			return buildError(tag, rerr)
		}
		f, err := os.OpenFile(state.path, openFlags, 0)
		if err != nil {
			return buildError(tag, ioErrorToErrno(err))
		}
		state.openFile = f
	}

	qid := buildQID(fi)
	resp := append([]byte{}, qid[:]...)
	resp = appendLE32(resp, 0) // iounit=0 means use msize
	return buildMessage(rLopen, tag, resp)
}

// translateOpenFlags maps the low bits of a Linux open(2) flags value (as
// carried in Tlopen/Tlcreate) to an os.OpenFile flag set, rejecting any
// write intent against a read-only mount.
func (d *Device) translateOpenFlags(flags uint32) (int, syscall.Errno) {
	switch flags & 0x3 {
	case 0:
		return os.O_RDONLY, 0
	case 1:
		if d.readOnly {
			return 0, syscall.EROFS
		}
		out := os.O_WRONLY
		if flags&0x200 != 0 {
			out |= os.O_TRUNC
		}
		if flags&0x400 != 0 {
			out |= os.O_APPEND
		}
		return out, 0
	default:
		if d.readOnly {
			return 0, syscall.EROFS
		}
		out := os.O_RDWR
		if flags&0x200 != 0 {
			out |= os.O_TRUNC
		}
		if flags&0x400 != 0 {
			out |= os.O_APPEND
		}
		return out, 0
	}
}

func (d *Device) handleLcreate(tag uint16, payload []byte) []byte {
	if d.readOnly {
		return buildError(tag, syscall.EROFS)
	}
	if len(payload) < 14 {
		return buildError(tag, syscall.EINVAL)
	}
	fid := le32(payload[0:4])
	nameLen := int(le16(payload[4:6]))
	if len(payload) < 6+nameLen+12 {
		return buildError(tag, syscall.EINVAL)
	}
	name := string(payload[6 : 6+nameLen])
	off := 6 + nameLen
	flags := le32(payload[off : off+4])

	parent, ok := d.fids[fid]
	if !ok {
		return buildError(tag, syscall.EBADF)
	}
	newPath := filepath.Join(parent.path, name)
	if !withinRoot(d.rootDir, newPath) {
		return buildError(tag, syscall.EACCES)
	}

	openFlags := os.O_CREATE | os.O_RDWR
	if flags&0x3 == 1 {
		openFlags = os.O_CREATE | os.O_WRONLY
	}
	if flags&0x200 != 0 {
		openFlags |= os.O_TRUNC
	}

	f, err := os.OpenFile(newPath, openFlags, 0644)
	if err != nil {
		return buildError(tag, ioErrorToErrno(err))
	}
	fi, err := os.Stat(newPath)
	if err != nil {
		f.Close()
		return buildError(tag, ioErrorToErrno(err))
	}

	d.fids[fid] = &fidState{path: newPath, openFile: f}

	qid := buildQID(fi)
	resp := append([]byte{}, qid[:]...)
	resp = appendLE32(resp, 0)
	return buildMessage(rLcreate, tag, resp)
}

func (d *Device) handleRead(tag uint16, payload []byte) []byte {
	if len(payload) < 16 {
		return buildError(tag, syscall.EINVAL)
	}
	fid := le32(payload[0:4])
	offset := le64(payload[4:12])
	count := le32(payload[12:16])

	state, ok := d.fids[fid]
	if !ok || state.openFile == nil {
		return buildError(tag, syscall.EBADF)
	}

	buf := make([]byte, count)
	n, err := state.openFile.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return buildError(tag, ioErrorToErrno(err))
	}

	resp := appendLE32(nil, uint32(n))
	resp = append(resp, buf[:n]...)
	return buildMessage(rRead, tag, resp)
}

func (d *Device) handleWrite(tag uint16, payload []byte) []byte {
	if d.readOnly {
		return buildError(tag, syscall.EROFS)
	}
	if len(payload) < 16 {
		return buildError(tag, syscall.EINVAL)
	}
	fid := le32(payload[0:4])
	offset := le64(payload[4:12])
	count := le32(payload[12:16])
	if len(payload) < 16+int(count) {
		return buildError(tag, syscall.EINVAL)
	}
	data := payload[16 : 16+count]

	state, ok := d.fids[fid]
	if !ok || state.openFile == nil {
		return buildError(tag, syscall.EBADF)
	}

	n, err := state.openFile.WriteAt(data, int64(offset))
	if err != nil {
		return buildError(tag, ioErrorToErrno(err))
	}
	return buildMessage(rWrite, tag, appendLE32(nil, uint32(n)))
}

func (d *Device) handleClunk(tag uint16, payload []byte) []byte {
	if len(payload) < 4 {
		return buildError(tag, syscall.EINVAL)
	}
	fid := le32(payload[0:4])
	if state, ok := d.fids[fid]; ok {
		if state.openFile != nil {
			state.openFile.Close()
		}
		delete(d.fids, fid)
	}
	return buildMessage(rClunk, tag, nil)
}

func (d *Device) handleGetattr(tag uint16, payload []byte) []byte {
	if len(payload) < 12 {
		return buildError(tag, syscall.EINVAL)
	}
	fid := le32(payload[0:4])
	requestMask := le64(payload[4:12])

	state, ok := d.fids[fid]
	if !ok {
		return buildError(tag, syscall.EBADF)
	}
	fi, err := os.Stat(state.path)
	if err != nil {
		return buildError(tag, ioErrorToErrno(err))
	}
	qid := buildQID(fi)

	st, _ := fi.Sys().(*syscall.Stat_t)

	resp := appendLE64(nil, requestMask)
	resp = append(resp, qid[:]...)
	if st != nil {
		resp = appendLE32(resp, uint32(st.Mode))
		resp = appendLE32(resp, st.Uid)
		resp = appendLE32(resp, st.Gid)
		resp = appendLE64(resp, uint64(st.Nlink))
		resp = appendLE64(resp, uint64(st.Rdev))
		resp = appendLE64(resp, uint64(st.Size))
		resp = appendLE64(resp, uint64(st.Blksize))
		resp = appendLE64(resp, uint64(st.Blocks))
		resp = appendLE64(resp, uint64(st.Atim.Sec))
		resp = appendLE64(resp, uint64(st.Atim.Nsec))
		resp = appendLE64(resp, uint64(st.Mtim.Sec))
		resp = appendLE64(resp, uint64(st.Mtim.Nsec))
		resp = appendLE64(resp, uint64(st.Ctim.Sec))
		resp = appendLE64(resp, uint64(st.Ctim.Nsec))
	} else {
		resp = append(resp, make([]byte, 4+4+4+8+8+8+8+8+8+8+8+8+8+8)...)
	}
	resp = appendLE64(resp, 0) // btime_sec
	resp = appendLE64(resp, 0) // btime_nsec
	resp = appendLE64(resp, 0) // gen
	resp = appendLE64(resp, 0) // data_version
	return buildMessage(rGetattr, tag, resp)
}

func (d *Device) handleReaddir(tag uint16, payload []byte) []byte {
	if len(payload) < 16 {
		return buildError(tag, syscall.EINVAL)
	}
	fid := le32(payload[0:4])
	offset := le64(payload[4:12])
	count := le32(payload[12:16])

	state, ok := d.fids[fid]
	if !ok {
		return buildError(tag, syscall.EBADF)
	}

	type namedEntry struct {
		name string
		fi   os.FileInfo
	}
	var all []namedEntry

	if fi, err := os.Stat(state.path); err == nil {
		all = append(all, namedEntry{".", fi})
	}
	parent := state.path
	if state.path != d.rootDir {
		parent = filepath.Dir(state.path)
	}
	if fi, err := os.Stat(parent); err == nil {
		all = append(all, namedEntry{"..", fi})
	}

	entries, err := os.ReadDir(state.path)
	if err != nil {
		return buildError(tag, ioErrorToErrno(err))
	}
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, namedEntry{e.Name(), fi})
	}

	var dirent []byte
	maxBytes := int(count)
	for idx, ent := range all {
		entryOffset := uint64(idx)
		if entryOffset < offset {
			continue
		}
		qid := buildQID(ent.fi)
		var dtype byte
		switch {
		case ent.fi.IsDir():
			dtype = 4 // DT_DIR
		case ent.fi.Mode()&os.ModeSymlink != 0:
			dtype = 10 // DT_LNK
		default:
			dtype = 8 // DT_REG
		}
		nameBytes := []byte(ent.name)
		entrySize := qidSize + 8 + 1 + 2 + len(nameBytes)
		if len(dirent)+entrySize > maxBytes {
			break
		}
		dirent = append(dirent, qid[:]...)
		dirent = appendLE64(dirent, entryOffset+1)
		dirent = append(dirent, dtype)
		dirent = appendLE16(dirent, uint16(len(nameBytes)))
		dirent = append(dirent, nameBytes...)
	}

	resp := appendLE32(nil, uint32(len(dirent)))
	resp = append(resp, dirent...)
	return buildMessage(rReaddir, tag, resp)
}

func (d *Device) handleMkdir(tag uint16, payload []byte) []byte {
	if d.readOnly {
		return buildError(tag, syscall.EROFS)
	}
	if len(payload) < 10 {
		return buildError(tag, syscall.EINVAL)
	}
	dfid := le32(payload[0:4])
	nameLen := int(le16(payload[4:6]))
	if len(payload) < 6+nameLen+8 {
		return buildError(tag, syscall.EINVAL)
	}
	name := string(payload[6 : 6+nameLen])

	parent, ok := d.fids[dfid]
	if !ok {
		return buildError(tag, syscall.EBADF)
	}
	newDir := filepath.Join(parent.path, name)
	if !withinRoot(d.rootDir, newDir) {
		return buildError(tag, syscall.EACCES)
	}

	if err := os.Mkdir(newDir, 0755); err != nil {
		return buildError(tag, ioErrorToErrno(err))
	}
	fi, err := os.Stat(newDir)
	if err != nil {
		return buildError(tag, ioErrorToErrno(err))
	}
	qid := buildQID(fi)
	return buildMessage(rMkdir, tag, qid[:])
}

// -- little-endian helpers ------------------------------------------------

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func appendLE16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}
func appendLE32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func appendLE64(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}
