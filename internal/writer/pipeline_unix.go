// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

//go:build unix

package writer

import (
	"os"

	"golang.org/x/sys/unix"
)

// newPipe is a thin wrapper over unix.Pipe2 returning *os.File ends,
// matching the three-OS-pipe design of the C compressor driver this
// replaces (stdin/stdout/stderr, each a dedicated pipe). Pipe2 sets
// CLOEXEC atomically rather than racing a concurrent fork in another
// goroutine the way a plain os.Pipe + separate fcntl call would.
func newPipe() (r, w *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "pipe-r"), os.NewFile(uintptr(fds[1]), "pipe-w"), nil
}
