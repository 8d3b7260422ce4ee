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

//go:build !unix

package writer

import "os"

// newPipe falls back to the plain os.Pipe on platforms without
// Pipe2. Close-on-exec handling of the returned ends is whatever
// os.Pipe provides on that platform; it is not the atomic Pipe2 call
// the unix build uses.
func newPipe() (r, w *os.File, err error) {
	return os.Pipe()
}
