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

package ossauth

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// AmbientKey tries to find OSS credentials from:
//
//  1. OSS_ACCESS_KEY_ID, OSS_ACCESS_KEY_SECRET, and OSS_ENDPOINT
//     environment variables.
//  2. The "[Credentials]" section of $HOME/.ossutilconfig.
//
// NOTE: in general, it is a bad idea to use
// "Do-What-I-Mean" functionality to load security
// credentials, because it's easy to accidentally
// load the wrong thing. Caveat emptor (see the
// analogous warning on aws.AmbientCreds, which this
// function mirrors).
func AmbientKey() (*Key, error) {
	id := os.Getenv("OSS_ACCESS_KEY_ID")
	secret := os.Getenv("OSS_ACCESS_KEY_SECRET")
	endpoint := os.Getenv("OSS_ENDPOINT")
	if id != "" && secret != "" && endpoint != "" {
		return &Key{Endpoint: endpoint, AccessKeyID: id, AccessKeySecret: secret}, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("ossauth.AmbientKey: finding $HOME: %w", err)
	}
	cfgPath := filepath.Join(home, ".ossutilconfig")
	f, err := os.Open(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("ossauth.AmbientKey: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if err := checkPerm(info); err != nil {
		return nil, err
	}

	var rawID, rawSecret string
	if err := scanOSSUtil(f, &rawID, &endpoint, &rawSecret); err != nil {
		return nil, err
	}
	if rawID == "" || rawSecret == "" || endpoint == "" {
		return nil, fmt.Errorf("ossauth.AmbientKey: %s missing accessKeyID/accessKeySecret/endpoint", cfgPath)
	}

	secret, err = deobfuscate(rawSecret)
	if err != nil {
		return nil, fmt.Errorf("ossauth.AmbientKey: decoding accessKeySecret: %w", err)
	}
	return &Key{Endpoint: endpoint, AccessKeyID: rawID, AccessKeySecret: secret}, nil
}

// scanOSSUtil parses the "[Credentials]" section of an
// ossutil-style config file, in the same line-oriented,
// "key=value" style as aws.scan (aws/creds.go).
func scanOSSUtil(r io.Reader, id, endpoint, secret *string) error {
	s := bufio.NewScanner(r)
	inSection := false
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inSection = strings.EqualFold(strings.Trim(line, "[]"), "Credentials")
			continue
		}
		if !inSection {
			continue
		}
		before, after, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(before) {
		case "accessKeyID":
			*id = strings.TrimSpace(after)
		case "accessKeySecret":
			*secret = strings.TrimSpace(after)
		case "endpoint":
			*endpoint = strings.TrimSpace(after)
		}
	}
	return s.Err()
}

// obfuscationSalt is a fixed, non-secret salt: the secret
// stored on disk is only lightly obfuscated against casual
// shoulder-surfing, not protected against an attacker who
// can already read the config file (same threat model as
// aws.AmbientCreds' plaintext credentials file).
var obfuscationSalt = []byte("ossext-ambient-credential-store")

func obfuscationKey() []byte {
	return pbkdf2.Key([]byte("ossext"), obfuscationSalt, 4096, 32, sha256.New)
}

func deobfuscate(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// not obfuscated; treat as a plain secret, same as
		// ossutil does for configs written by hand
		return encoded, nil
	}
	key := obfuscationKey()
	out := make([]byte, len(raw))
	for i := range raw {
		out[i] = raw[i] ^ key[i%len(key)]
	}
	return string(out), nil
}

// we don't allow credentials to be loaded
// from world-writeable locations (mirrors aws.check)
func checkPerm(info fs.FileInfo) error {
	mode := info.Mode()
	if mode&2 != 0 {
		return fmt.Errorf("%s is world-writeable %o", info.Name(), mode)
	}
	if kind := mode & fs.ModeType; kind != fs.ModeDir && kind != 0 {
		return fmt.Errorf("%s is a special file", info.Name())
	}
	return nil
}
