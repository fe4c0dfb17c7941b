//go:build windows

package activegame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"golang.org/x/sys/windows"
)

// The launcher has to be built for the architecture of the game: kernel32
// and the injected library are looked up in this process and used at the
// same addresses in the game.

const injectInitExport = "OnInject"

var (
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procLoadLibraryW       = kernel32.NewProc("LoadLibraryW")
	procVirtualAllocEx     = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = kernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = kernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread  = kernel32.NewProc("GetExitCodeThread")
)

const (
	memCommit     = 0x1000
	memReserve    = 0x2000
	memRelease    = 0x8000
	pageReadWrite = 0x04
)

type nativeLauncher struct{}

// NewNativeLauncher returns the launcher of the platform.
func NewNativeLauncher() Launcher { return nativeLauncher{} }

func (nativeLauncher) Launch(_ context.Context, req LaunchRequest) (Process, error) {
	appPath, err := windows.UTF16PtrFromString(req.AppPath)
	if err != nil {
		return nil, err
	}
	cmdLine, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(append([]string{req.AppPath}, req.Args...)))
	if err != nil {
		return nil, err
	}
	var workDir *uint16
	if req.WorkingDir != "" {
		if workDir, err = windows.UTF16PtrFromString(req.WorkingDir); err != nil {
			return nil, err
		}
	}

	si := &windows.StartupInfo{}
	si.Cb = uint32(unsafe.Sizeof(*si))
	pi := &windows.ProcessInformation{}

	err = windows.CreateProcess(appPath, cmdLine, nil, nil, false,
		windows.CREATE_SUSPENDED|windows.CREATE_UNICODE_ENVIRONMENT, nil, workDir, si, pi)
	if err != nil {
		return nil, fmt.Errorf("could not create the process: %w", err)
	}
	return &nativeProcess{process: pi.Process, thread: pi.Thread, pid: pi.ProcessId}, nil
}

type nativeProcess struct {
	process windows.Handle
	thread  windows.Handle
	pid     uint32

	closeOnce sync.Once
}

func (p *nativeProcess) Inject(dllPath, errorDumpPath string) error {
	// The game runs in its own working directory.
	dllPath, err := filepath.Abs(dllPath)
	if err != nil {
		return err
	}

	if _, err := p.callRemote(procLoadLibraryW.Addr(), dllPath); err != nil {
		return fmt.Errorf("could not load %s: %w", dllPath, err)
	}
	// The exit code of LoadLibraryW only holds the low half of a 64-bit
	// module handle.
	remoteBase, err := moduleBase(p.pid, dllPath)
	if err != nil {
		return fmt.Errorf("could not load %s: LoadLibraryW failed in the game process: %w", dllPath, err)
	}

	offset, err := exportOffset(dllPath, injectInitExport)
	if err != nil {
		return err
	}

	result, err := p.callRemote(remoteBase+offset, errorDumpPath)
	if err != nil {
		return fmt.Errorf("could not call %s: %w", injectInitExport, err)
	}
	if result != 0 {
		return fmt.Errorf("%s returned %d", injectInitExport, result)
	}
	return nil
}

// moduleBase finds where the library at path is mapped in the process.
func moduleBase(pid uint32, path string) (uintptr, error) {
	var (
		snapshot windows.Handle
		err      error
	)
	for attempt := 0; ; attempt++ {
		snapshot, err = windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, pid)
		if err == nil {
			break
		}
		// The module list can be in flux, the call asks to be retried then.
		if !errors.Is(err, windows.ERROR_BAD_LENGTH) || attempt >= 5 {
			return 0, fmt.Errorf("CreateToolhelp32Snapshot: %w", err)
		}
	}
	defer windows.CloseHandle(snapshot) //nolint:errcheck

	entry := windows.ModuleEntry32{Size: uint32(unsafe.Sizeof(windows.ModuleEntry32{}))}
	for err = windows.Module32First(snapshot, &entry); err == nil; err = windows.Module32Next(snapshot, &entry) {
		if strings.EqualFold(windows.UTF16ToString(entry.ExePath[:]), path) {
			return entry.ModBaseAddr, nil
		}
	}
	if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return 0, fmt.Errorf("%s is not loaded in process %d", path, pid)
	}
	return 0, fmt.Errorf("Module32Next: %w", err)
}

// exportOffset finds the export relative to the base of the library, by
// mapping it without running it.
func exportOffset(dllPath, export string) (uintptr, error) {
	module, err := windows.LoadLibraryEx(dllPath, 0, windows.DONT_RESOLVE_DLL_REFERENCES)
	if err != nil {
		return 0, fmt.Errorf("could not map %s: %w", dllPath, err)
	}
	defer windows.FreeLibrary(module) //nolint:errcheck

	addr, err := windows.GetProcAddress(module, export)
	if err != nil {
		return 0, fmt.Errorf("%s does not export %s: %w", dllPath, export, err)
	}
	return addr - uintptr(module), nil
}

// callRemote runs fn(arg) on a new thread of the game process and returns
// the exit code of the thread. The argument is copied into the process as a
// UTF-16 string.
func (p *nativeProcess) callRemote(fn uintptr, arg string) (uint32, error) {
	data, err := windows.UTF16FromString(arg)
	if err != nil {
		return 0, err
	}
	size := uintptr(len(data) * 2)

	remote, _, err := procVirtualAllocEx.Call(uintptr(p.process), 0, size, memCommit|memReserve, pageReadWrite)
	if remote == 0 {
		return 0, fmt.Errorf("VirtualAllocEx: %w", err)
	}
	defer procVirtualFreeEx.Call(uintptr(p.process), remote, 0, memRelease) //nolint:errcheck

	if err := windows.WriteProcessMemory(p.process, remote, (*byte)(unsafe.Pointer(&data[0])), size, nil); err != nil {
		return 0, fmt.Errorf("WriteProcessMemory: %w", err)
	}

	thread, _, err := procCreateRemoteThread.Call(uintptr(p.process), 0, 0, fn, remote, 0, 0)
	if thread == 0 {
		return 0, fmt.Errorf("CreateRemoteThread: %w", err)
	}
	defer windows.CloseHandle(windows.Handle(thread)) //nolint:errcheck

	if _, err := windows.WaitForSingleObject(windows.Handle(thread), windows.INFINITE); err != nil {
		return 0, fmt.Errorf("waiting for the remote thread: %w", err)
	}

	var exitCode uint32
	if ok, _, err := procGetExitCodeThread.Call(thread, uintptr(unsafe.Pointer(&exitCode))); ok == 0 {
		return 0, fmt.Errorf("GetExitCodeThread: %w", err)
	}
	return exitCode, nil
}

func (p *nativeProcess) Resume() error {
	if _, err := windows.ResumeThread(p.thread); err != nil {
		return fmt.Errorf("could not resume the process: %w", err)
	}
	return nil
}

func (p *nativeProcess) Terminate() error {
	err := windows.TerminateProcess(p.process, 1)
	p.close()
	return err
}

func (p *nativeProcess) Wait() (uint32, error) {
	defer p.close()

	if _, err := windows.WaitForSingleObject(p.process, windows.INFINITE); err != nil {
		return 0, err
	}
	var exitCode uint32
	if err := windows.GetExitCodeProcess(p.process, &exitCode); err != nil {
		return 0, err
	}
	return exitCode, nil
}

func (p *nativeProcess) close() {
	p.closeOnce.Do(func() {
		err := errors.Join(windows.CloseHandle(p.thread), windows.CloseHandle(p.process))
		if err != nil {
			slog.Debug("Could not close the process handles", "pid", p.pid, logging.Error(err))
		}
	})
}
