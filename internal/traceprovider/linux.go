//go:build linux

package traceprovider

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/proctail/agent/internal/model"
)

// Linux inotify event flags (kernel ABI, from <sys/inotify.h>).
const (
	inCreate    uint32 = 0x100
	inClosew    uint32 = 0x8
	inDelete    uint32 = 0x200
	inMovedFrom uint32 = 0x40
	inMovedTo   uint32 = 0x80
	inMoveSelf  uint32 = 0x800
	inIsDir     uint32 = 0x40000000
	inQOverflow uint32 = 0x4000

	inotifyCloexec = 0x80000

	watchMask = inCreate | inClosew | inDelete | inMovedFrom | inMovedTo | inMoveSelf
)

var inotifyEventSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

// NETLINK_CONNECTOR process-event ABI (from <linux/connector.h>,
// <linux/cn_proc.h>).
const (
	netlinkConnector = 11
	cnIdxProc        = 1
	cnValProc        = 1
	procCNMcastListen = 1
	procCNMcastIgnore = 2
	procEventExec     = 0x00000002
	procEventExit     = 0x80000000

	cnMsgSize       = 20
	procEvtHdrSize  = 16
	execInfoSize    = 8
	exitInfoSize    = 8
	nlMsgHdrSize    = 16
	minProcEventLen = cnMsgSize + procEvtHdrSize + execInfoSize
)

// LinuxProvider is the reference trace-provider adapter for Linux: file
// events come from inotify watches on a fixed set of root directories
// (non-recursive, matching the existing InotifyWatcher pattern), and process
// start/end events come from the NETLINK_CONNECTOR process connector
// (matching the existing ProcessWatcher pattern, extended here to also
// observe PROC_EVENT_EXIT since recorded events need a process-end variant).
//
// Limitation: unlike a kernel-wide ETW session, inotify only observes the
// directories it is explicitly pointed at; it does not recurse into
// subdirectories created after Start.
type LinuxProvider struct {
	cfg        Config
	watchPaths []string
	logger     *slog.Logger

	active atomic.Bool

	inotifyFd int
	pipeR     int
	pipeW     int

	mu      sync.Mutex
	targets map[int]string // watch descriptor -> directory path

	netlinkSock int

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLinux creates a LinuxProvider that watches watchPaths for file activity
// and the whole host for process exec/exit activity.
func NewLinux(cfg Config, watchPaths []string, logger *slog.Logger) *LinuxProvider {
	return &LinuxProvider{
		cfg:        cfg,
		watchPaths: watchPaths,
		logger:     logger,
		targets:    make(map[int]string),
	}
}

// IsActive reports whether the trace session is currently running.
func (p *LinuxProvider) IsActive() bool {
	return p.active.Load()
}

// Start opens the inotify and netlink-connector file descriptors and begins
// delivering raw events to handler on background goroutines. It returns an
// error if either kernel facility cannot be opened (e.g. missing
// CAP_NET_ADMIN for the process connector), treated as a fatal startup
// failure rather than a degraded mode.
func (p *LinuxProvider) Start(ctx context.Context, handler Handler) error {
	ifd, err := syscall.InotifyInit1(inotifyCloexec)
	if err != nil {
		return fmt.Errorf("traceprovider: InotifyInit1: %w", err)
	}

	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); err != nil {
		syscall.Close(ifd)
		return fmt.Errorf("traceprovider: pipe2: %w", err)
	}

	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, netlinkConnector)
	if err != nil {
		syscall.Close(ifd)
		syscall.Close(pipeFds[0])
		syscall.Close(pipeFds[1])
		return fmt.Errorf("traceprovider: open NETLINK_CONNECTOR socket: %w (requires CAP_NET_ADMIN)", err)
	}
	sa := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: uint32(os.Getpid())}
	if err := syscall.Bind(sock, sa); err != nil {
		syscall.Close(ifd)
		syscall.Close(pipeFds[0])
		syscall.Close(pipeFds[1])
		syscall.Close(sock)
		return fmt.Errorf("traceprovider: bind NETLINK_CONNECTOR: %w", err)
	}
	if err := sendProcCNMsg(sock, procCNMcastListen); err != nil {
		syscall.Close(ifd)
		syscall.Close(pipeFds[0])
		syscall.Close(pipeFds[1])
		syscall.Close(sock)
		return fmt.Errorf("traceprovider: subscribe to proc events: %w", err)
	}

	p.inotifyFd = ifd
	p.pipeR, p.pipeW = pipeFds[0], pipeFds[1]
	p.netlinkSock = sock

	p.registerWatches()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopOnce = sync.Once{} // let Stop tear down this session after a restart
	p.active.Store(true)

	p.wg.Add(2)
	go p.runInotify(handler)
	go p.runNetlink(runCtx, handler)

	p.logger.Info("traceprovider: started",
		slog.Int("watch_paths", len(p.watchPaths)),
		slog.String("mechanism", "inotify+NETLINK_CONNECTOR"))
	return nil
}

// Stop tears down both kernel sessions and waits for the background
// goroutines to exit. Safe to call multiple times.
func (p *LinuxProvider) Stop() {
	p.stopOnce.Do(func() {
		p.active.Store(false)
		if p.cancel != nil {
			p.cancel()
		}
		syscall.Write(p.pipeW, []byte{0})
		p.wg.Wait()

		syscall.Close(p.pipeW)
		syscall.Close(p.pipeR)
		syscall.Close(p.inotifyFd)
		syscall.Close(p.netlinkSock)
		p.logger.Info("traceprovider: stopped")
	})
}

func (p *LinuxProvider) registerWatches() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, path := range p.watchPaths {
		if _, err := os.Stat(path); err != nil {
			p.logger.Debug("traceprovider: watch path not accessible at startup; skipping",
				slog.String("path", path), slog.Any("error", err))
			continue
		}
		wd, err := syscall.InotifyAddWatch(p.inotifyFd, path, watchMask)
		if err != nil {
			p.logger.Warn("traceprovider: InotifyAddWatch failed",
				slog.String("path", path), slog.Any("error", err))
			continue
		}
		p.targets[wd] = path
	}
}

func (p *LinuxProvider) runInotify(handler Handler) {
	defer p.wg.Done()

	const bufSize = 4096 * (16 + 256)
	buf := make([]byte, bufSize)

	pollFds := []syscall.PollFd{
		{Fd: int32(p.inotifyFd), Events: syscall.POLLIN},
		{Fd: int32(p.pipeR), Events: syscall.POLLIN},
	}

	for {
		_, err := syscall.Poll(pollFds, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			p.logger.Warn("traceprovider: inotify poll error", slog.Any("error", err))
			return
		}
		if pollFds[1].Revents&syscall.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&syscall.POLLIN == 0 {
			continue
		}

		n, err := syscall.Read(p.inotifyFd, buf)
		if err != nil {
			p.logger.Warn("traceprovider: inotify read error", slog.Any("error", err))
			return
		}
		p.parseInotifyBuffer(buf[:n], handler)
	}
}

func (p *LinuxProvider) parseInotifyBuffer(buf []byte, handler Handler) {
	evSize := inotifyEventSize
	for offset := 0; offset+evSize <= len(buf); {
		ev := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += evSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break
			}
			name = strings.TrimRight(string(buf[offset:offset+int(ev.Len)]), "\x00")
			offset += int(ev.Len)
		}
		p.dispatchInotifyEvent(int(ev.Wd), ev.Mask, name, handler)
	}
}

func (p *LinuxProvider) dispatchInotifyEvent(wd int, mask uint32, name string, handler Handler) {
	if mask&inQOverflow != 0 {
		p.logger.Warn("traceprovider: inotify queue overflowed; some events may be lost")
		return
	}

	p.mu.Lock()
	dir, ok := p.targets[wd]
	p.mu.Unlock()
	if !ok || mask&inIsDir != 0 {
		return
	}

	path := dir
	if name != "" {
		path = filepath.Join(dir, name)
	}

	var eventName string
	switch {
	case mask&(inCreate|inMovedTo) != 0:
		eventName = EventFileCreate
	case mask&inClosew != 0:
		eventName = EventFileWrite
	case mask&(inDelete|inMovedFrom|inMoveSelf) != 0:
		eventName = EventFileDelete
	default:
		return
	}

	raw := model.RawEvent{
		Timestamp:    timestamp(),
		ProviderName: FileIOProvider,
		EventName:    eventName,
		Payload:      model.Payload{"FileName": model.StringValue(path)},
	}
	raw.EnsureActivityID()
	handler(raw)
}

func (p *LinuxProvider) runNetlink(ctx context.Context, handler Handler) {
	defer p.wg.Done()

	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(p.netlinkSock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	buf := make([]byte, 8*1024)

	for {
		select {
		case <-ctx.Done():
			_ = sendProcCNMsg(p.netlinkSock, procCNMcastIgnore)
			return
		default:
		}

		n, _, err := syscall.Recvfrom(p.netlinkSock, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.logger.Warn("traceprovider: netlink recvfrom error", slog.Any("error", err))
			return
		}
		p.parseNetlinkMessages(buf[:n], handler)
	}
}

func (p *LinuxProvider) parseNetlinkMessages(buf []byte, handler Handler) {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		p.logger.Warn("traceprovider: parse netlink message", slog.Any("error", err))
		return
	}
	for i := range msgs {
		p.handleNetlinkMessage(&msgs[i], handler)
	}
}

func (p *LinuxProvider) handleNetlinkMessage(msg *syscall.NetlinkMessage, handler Handler) {
	if msg.Header.Type == syscall.NLMSG_ERROR {
		return
	}
	data := msg.Data
	if len(data) < minProcEventLen {
		return
	}

	idx := binary.NativeEndian.Uint32(data[0:4])
	val := binary.NativeEndian.Uint32(data[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return
	}

	payloadLen := int(binary.NativeEndian.Uint16(data[16:18]))
	payload := data[cnMsgSize:]
	if payloadLen > len(payload) {
		return
	}
	payload = payload[:payloadLen]
	if len(payload) < procEvtHdrSize {
		return
	}

	what := binary.NativeEndian.Uint32(payload[0:4])
	body := payload[procEvtHdrSize:]

	switch what {
	case procEventExec:
		if len(body) < execInfoSize {
			return
		}
		pid := int(binary.NativeEndian.Uint32(body[0:4]))
		p.emitProcessStart(pid, handler)
	case procEventExit:
		if len(body) < exitInfoSize+8 {
			return
		}
		pid := int(binary.NativeEndian.Uint32(body[0:4]))
		exitCode := int(binary.NativeEndian.Uint32(body[8:12]))
		p.emitProcessEnd(pid, exitCode, handler)
	default:
		return
	}
}

func (p *LinuxProvider) emitProcessStart(pid int, handler Handler) {
	comm, _, _ := readProcInfo(pid)
	raw := model.RawEvent{
		Timestamp:    timestamp(),
		ProviderName: ProcessProvider,
		EventName:    EventProcessExec,
		ProcessID:    parentPID(pid),
		Payload: model.Payload{
			"ProcessId":   model.IntValue(int64(pid)),
			"ProcessName": model.StringValue(comm),
		},
	}
	raw.EnsureActivityID()
	handler(raw)
}

func (p *LinuxProvider) emitProcessEnd(pid, exitCode int, handler Handler) {
	raw := model.RawEvent{
		Timestamp:    timestamp(),
		ProviderName: ProcessProvider,
		EventName:    EventProcessExit,
		ProcessID:    pid,
		Payload:      model.Payload{"ExitCode": model.IntValue(int64(exitCode))},
	}
	raw.EnsureActivityID()
	handler(raw)
}

// readProcInfo reads the short comm name, resolved exe path, and cmdline
// from /proc/<pid>, tolerating a process that has already exited.
func readProcInfo(pid int) (comm, exe, cmdline string) {
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		comm = strings.TrimRight(string(b), "\n\r")
	}
	if link, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		exe = link
	}
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		cmdline = strings.TrimRight(strings.ReplaceAll(string(b), "\x00", " "), " ")
	}
	return comm, exe, cmdline
}

// parentPID reads the parent PID of pid from /proc/<pid>/stat so the
// emitted ProcessStartEvent carries the source (parent) PID the watch-target
// manager's AddChild expects. Returns 0 if it cannot be determined (e.g. the
// process already exited).
func parentPID(pid int) int {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// Format: pid (comm) state ppid ...  — comm may contain spaces/parens,
	// so find the last ')' before splitting the remaining fields.
	s := string(b)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) < 2 {
		return 0
	}
	var ppid int
	if _, err := fmt.Sscanf(fields[1], "%d", &ppid); err != nil {
		return 0
	}
	return ppid
}

// sendProcCNMsg instructs the kernel to start/stop delivering process events
// to the calling netlink socket.
func sendProcCNMsg(sock int, op uint32) error {
	const opSize = 4
	const totalSize = nlMsgHdrSize + cnMsgSize + opSize
	buf := make([]byte, totalSize)

	binary.NativeEndian.PutUint32(buf[0:4], uint32(totalSize))
	binary.NativeEndian.PutUint16(buf[4:6], syscall.NLMSG_DONE)
	binary.NativeEndian.PutUint16(buf[6:8], 0)
	binary.NativeEndian.PutUint32(buf[8:12], 0)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(os.Getpid()))

	off := nlMsgHdrSize
	binary.NativeEndian.PutUint32(buf[off+0:off+4], cnIdxProc)
	binary.NativeEndian.PutUint32(buf[off+4:off+8], cnValProc)
	binary.NativeEndian.PutUint32(buf[off+8:off+12], 0)
	binary.NativeEndian.PutUint32(buf[off+12:off+16], 0)
	binary.NativeEndian.PutUint16(buf[off+16:off+18], opSize)
	binary.NativeEndian.PutUint16(buf[off+18:off+20], 0)

	off += cnMsgSize
	binary.NativeEndian.PutUint32(buf[off:off+4], op)

	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: 0}
	return syscall.Sendto(sock, buf, 0, dst)
}
