package ninep

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func makeDevice(t *testing.T, readOnly bool) (*Device, string) {
	t.Helper()
	dir := t.TempDir()
	dev, err := NewDevice("mount0", dir, readOnly)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return dev, dir
}

func buildRequest(msgType uint8, tag uint16, payload []byte) []byte {
	return buildMessage(msgType, tag, payload)
}

func TestDeviceIdentity(t *testing.T) {
	dev, _ := makeDevice(t, true)
	if dev.DeviceID() != DeviceType {
		t.Fatalf("DeviceID = %d, want %d", dev.DeviceID(), DeviceType)
	}
	if dev.Features()&featMountTag == 0 {
		t.Fatalf("Features missing featMountTag")
	}
	if dev.Features()&featVersion1 == 0 {
		t.Fatalf("Features missing featVersion1")
	}
}

func TestConfigReadExposesMountTag(t *testing.T) {
	dev, _ := makeDevice(t, true)
	var data [4]byte
	dev.ConfigRead(0, data[:])
	tagLen := uint16(data[0]) | uint16(data[1])<<8
	if tagLen != uint16(len("mount0")) {
		t.Fatalf("tag_len = %d, want %d", tagLen, len("mount0"))
	}
	if data[2] != 'm' || data[3] != 'o' {
		t.Fatalf("unexpected tag bytes: %v", data)
	}
}

func TestVersionClearsFids(t *testing.T) {
	dev, _ := makeDevice(t, true)
	dev.fids[1] = &fidState{path: dev.rootDir}

	payload := appendLE32(nil, 8192)
	payload = appendLE16(payload, 8)
	payload = append(payload, "9P2000.L"...)
	resp := dev.handleRequest(buildRequest(tVersion, 0, payload))

	if resp[4] != rVersion {
		t.Fatalf("response type = %d, want rVersion", resp[4])
	}
	if len(dev.fids) != 0 {
		t.Fatalf("Tversion did not clear fids")
	}
}

func TestAttachReturnsRootQID(t *testing.T) {
	dev, _ := makeDevice(t, true)

	payload := appendLE32(nil, 0)            // fid
	payload = appendLE32(payload, 0xffffffff) // afid
	payload = appendLE16(payload, 0)          // uname len
	payload = appendLE16(payload, 0)          // aname len
	payload = appendLE32(payload, 0)          // n_uname

	resp := dev.handleRequest(buildRequest(tAttach, 1, payload))
	if resp[4] != rAttach {
		t.Fatalf("response type = %d, want rAttach", resp[4])
	}
	if len(resp)-7 != qidSize {
		t.Fatalf("attach payload = %d bytes, want %d", len(resp)-7, qidSize)
	}
	if _, ok := dev.fids[0]; !ok {
		t.Fatalf("Tattach did not install fid 0")
	}
}

func TestClunkRemovesFid(t *testing.T) {
	dev, _ := makeDevice(t, true)
	dev.fids[42] = &fidState{path: dev.rootDir}

	resp := dev.handleRequest(buildRequest(tClunk, 1, appendLE32(nil, 42)))
	if resp[4] != rClunk {
		t.Fatalf("response type = %d, want rClunk", resp[4])
	}
	if _, ok := dev.fids[42]; ok {
		t.Fatalf("Tclunk did not remove fid")
	}
}

func TestGetattrUnknownFidReturnsError(t *testing.T) {
	dev, _ := makeDevice(t, true)

	payload := appendLE32(nil, 999)
	payload = appendLE64(payload, 0xffff)
	resp := dev.handleRequest(buildRequest(tGetattr, 1, payload))
	if resp[4] != rError {
		t.Fatalf("response type = %d, want rError", resp[4])
	}
}

func TestReadOnlyWriteRejected(t *testing.T) {
	dev, dir := makeDevice(t, true)
	target := filepath.Join(dir, "f")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	dev.fids[1] = &fidState{path: target}

	payload := appendLE32(nil, 1)  // fid
	payload = appendLE64(payload, 0) // offset
	payload = appendLE32(payload, 4) // count
	payload = append(payload, "test"...)

	resp := dev.handleRequest(buildRequest(tWrite, 1, payload))
	if resp[4] != rError {
		t.Fatalf("response type = %d, want rError", resp[4])
	}
	errno := le32(resp[7:11])
	if syscall.Errno(errno) != syscall.EROFS {
		t.Fatalf("errno = %d, want EROFS", errno)
	}
}

func TestLopenReadRoundTrip(t *testing.T) {
	dev, dir := makeDevice(t, false)
	target := filepath.Join(dir, "f")
	if err := os.WriteFile(target, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	dev.fids[1] = &fidState{path: target}

	openResp := dev.handleRequest(buildRequest(tLopen, 1, appendLE32(appendLE32(nil, 1), 0)))
	if openResp[4] != rLopen {
		t.Fatalf("response type = %d, want rLopen", openResp[4])
	}

	payload := appendLE32(nil, 1)     // fid
	payload = appendLE64(payload, 0)  // offset
	payload = appendLE32(payload, 16) // count
	readResp := dev.handleRequest(buildRequest(tRead, 2, payload))
	if readResp[4] != rRead {
		t.Fatalf("response type = %d, want rRead", readResp[4])
	}
	n := le32(readResp[7:11])
	if string(readResp[11:11+n]) != "hello" {
		t.Fatalf("read data = %q, want %q", readResp[11:11+n], "hello")
	}
}

func TestWalkDotDotStaysWithinRoot(t *testing.T) {
	dev, _ := makeDevice(t, true)
	dev.fids[0] = &fidState{path: dev.rootDir}

	payload := appendLE32(nil, 0)    // fid
	payload = appendLE32(payload, 1) // newfid
	payload = appendLE16(payload, 1) // nwname
	payload = appendLE16(payload, 2)
	payload = append(payload, ".."...)

	resp := dev.handleRequest(buildRequest(tWalk, 1, payload))
	if resp[4] != rWalk {
		t.Fatalf("response type = %d, want rWalk", resp[4])
	}
	if dev.fids[1].path != dev.rootDir {
		t.Fatalf("Twalk .. escaped root: got %s, want %s", dev.fids[1].path, dev.rootDir)
	}
}
