// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"),;
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

// Package linuxerr contains the error codes surfaced by the driver and
// transport layers, exported as error interface pointers. This allows for
// fast comparison and return operations comparable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"ibboot.dev/ibboot/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct (these are *errors.Error), they
// are not directly comparable; the Errno method returns a number such that
// unix.Errno(EBUSY.Errno()) == unix.EBUSY.
var (
	noError    *errors.Error = nil
	EIO                      = errors.New(unix.EIO, "I/O error")
	ENOMEM                   = errors.New(unix.ENOMEM, "out of memory")
	EBUSY                    = errors.New(unix.EBUSY, "device or resource busy")
	EINVAL                   = errors.New(unix.EINVAL, "invalid argument")
	ENFILE                   = errors.New(unix.ENFILE, "file table overflow")
	ENOSPC                   = errors.New(unix.ENOSPC, "no space left on device")
	EPROTO                   = errors.New(unix.EPROTO, "protocol error")
	EADDRINUSE               = errors.New(unix.EADDRINUSE, "address already in use")
	ECONNRESET               = errors.New(unix.ECONNRESET, "connection reset by peer")
	ENOBUFS                  = errors.New(unix.ENOBUFS, "no buffer space available")
	ENOTCONN                 = errors.New(unix.ENOTCONN, "transport endpoint is not connected")
	ETIMEDOUT                = errors.New(unix.ETIMEDOUT, "connection timed out")
	EALREADY                 = errors.New(unix.EALREADY, "operation already in progress")
	ECANCELED                = errors.New(unix.ECANCELED, "operation canceled")
)

var byErrno = map[unix.Errno]*errors.Error{
	unix.EIO:        EIO,
	unix.ENOMEM:     ENOMEM,
	unix.EBUSY:      EBUSY,
	unix.EINVAL:     EINVAL,
	unix.ENFILE:     ENFILE,
	unix.ENOSPC:     ENOSPC,
	unix.EPROTO:     EPROTO,
	unix.EADDRINUSE: EADDRINUSE,
	unix.ECONNRESET: ECONNRESET,
	unix.ENOBUFS:    ENOBUFS,
	unix.ENOTCONN:   ENOTCONN,
	unix.ETIMEDOUT:  ETIMEDOUT,
	unix.EALREADY:   EALREADY,
	unix.ECANCELED:  ECANCELED,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// registered *errors.Error are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := byErrno[err]; ok {
		return e
	}
	return err
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// Errno walks err's chain and returns the errno of the first *errors.Error
// found, or 0 if there is none.
func Errno(err error) unix.Errno {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	return 0
}
