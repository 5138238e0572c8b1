// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgconn

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// sslTmpFile materializes PEM bytes as an anonymous memory-backed file.
// The file never appears in any directory; the /proc/self/fd path is
// usable as sslcert, sslkey or sslrootcert for the lifetime of the
// descriptor and vanishes on process exit.
type sslTmpFile struct {
	fd   int
	path string
}

// create stages data. The PEM bytes are never logged; only the path is
// observable.
func (f *sslTmpFile) create(data []byte) error {
	f.clear()
	fd, err := unix.MemfdCreate("pgconn-ssl", unix.MFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	for off := 0; off < len(data); {
		n, err := unix.Write(fd, data[off:])
		if err != nil {
			unix.Close(fd)
			return fmt.Errorf("unable to create temp file: %w", err)
		}
		off += n
	}
	f.fd = fd
	f.path = fmt.Sprintf("/proc/self/fd/%d", fd)
	return nil
}

// clear releases the file and invalidates the path.
func (f *sslTmpFile) clear() {
	if f.path != "" {
		unix.Close(f.fd)
	}
	f.fd = -1
	f.path = ""
}

// Path returns the staged path, or "" when the slot is empty.
func (f *sslTmpFile) Path() string {
	return f.path
}

// sslTemporaryFiles are the three credential slots of a connection.
type sslTemporaryFiles struct {
	certificate sslTmpFile
	privateKey  sslTmpFile
	caBundle    sslTmpFile
}

// clear releases all slots.
func (s *sslTemporaryFiles) clear() {
	s.certificate.clear()
	s.privateKey.clear()
	s.caBundle.clear()
}

// commonNameFromPEM extracts the X.509 subject common name from a PEM
// encoded certificate. Used to derive the user name when none is
// configured.
func commonNameFromPEM(data []byte) (string, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return "", errors.New("no PEM block found in certificate data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("unable to parse certificate: %w", err)
	}
	return cert.Subject.CommonName, nil
}
