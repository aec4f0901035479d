/*
Duraq - durable file-system-backed job queue.
Copyright © 2023-2024 Duraq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"bytes"
	"io"
	"strconv"
	"time"

	"github.com/duralab/duraq/framework/buffer"
)

// serializePayload writes payload into a fresh file under tmpDir and returns
// its path together with the timestamp that will name the message. The tmp
// file name starts with the timestamp so a later link into queued/ under the
// final name keeps the directory sortable even if the tmp file leaks.
//
// tmpDir must be on the same file system as the queue directories, otherwise
// the placement of the file into queued/ loses its atomicity.
func serializePayload(payload []byte, tmpDir string, maxBytes int64) (string, int64, error) {
	if maxBytes > 0 && int64(len(payload)) > maxBytes {
		return "", 0, ErrMessageTooLarge
	}

	timestamp := time.Now().UnixMilli()
	pattern := strconv.FormatInt(timestamp, 10) + ".*.tmp"
	buf, err := buffer.BufferInFile(bytes.NewReader(payload), tmpDir, pattern)
	if err != nil {
		return "", 0, err
	}
	return buf.(buffer.FileBuffer).Path, timestamp, nil
}

// deserializePayload reads the message blob back from path.
func deserializePayload(path string) ([]byte, error) {
	r, err := buffer.FileBuffer{Path: path}.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
