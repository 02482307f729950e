// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ioemu

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Upcall wraps a Linux eventfd used to signal the device model process
// that a VHM request slot now needs attention (InsertRequestWait). The
// reverse path does not use it: CompleteRequest sends no signal.
type Upcall struct {
	fd int
}

// NewUpcall creates a non-blocking eventfd-backed upcall channel.
func NewUpcall() (*Upcall, error) {
	fd, _, errno := unix.RawSyscall(unix.SYS_EVENTFD2, 0, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("ioemu: create upcall eventfd: %w", error(errno))
	}
	if err := unix.SetNonblock(int(fd), true); err != nil {
		unix.Close(int(fd))
		return nil, err
	}
	return &Upcall{fd: int(fd)}, nil
}

// Notify wakes anyone waiting on this upcall.
func (u *Upcall) Notify() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(u.fd, buf[:])
	if err == unix.EAGAIN {
		// The eventfd counter is at its maximum; the reader hasn't
		// drained the earlier notifications yet. That's fine, the
		// wake-up is still pending.
		return nil
	}
	return err
}

// FD returns the underlying eventfd, suitable for use with poll/epoll by a
// caller that wants to wait on it directly.
func (u *Upcall) FD() int { return u.fd }

// Close closes the eventfd.
func (u *Upcall) Close() error {
	return unix.Close(u.fd)
}
