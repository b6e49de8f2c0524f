// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package file provides basic file operations across multiple file-system
// types. In this module it backs cmd/zsend's --out flag: a send stream's
// destination is opened through this package so that the CLI is not
// hard-wired to os.File.
//
// Overview
//
// This package is designed with following goals:
//
// - Define operation semantics that are implementable on any supported file
// system, yet practical and usable.
//
// - Extensible. Provide leeway to register additional file system types
// without changing callers.
//
// This package defines two key interfaces, Implementation and File.
//
// - Implementation provides filesystem operations, such as Open, Remove, and List
// (directory walking).
//
// - File implements operations on a file. It is created by
// Implementation.{Open,Create} calls. File is similar to go's os.File object
// but provides limited functionality.
//
// Reading and writing files
//
//   import (
//    "context"
//    "io/ioutil"
//
//    "github.com/grailbio/zsend/file"
//   )
//
//   func WriteTest() {
//     ctx := context.Background()
//     f, err := file.Create(ctx, "/tmp/test.txt")
//     n, err = f.Writer(ctx).Write([]byte("Hello"))
//     err = f.Close(ctx)
//   }
//
//   func ReadTest() {
//     ctx := context.Background()
//     f, err := file.Open(ctx, "/tmp/test.txt")
//     data, err := ioutil.ReadAll(f.Reader(ctx))
//     err = f.Close(ctx)
//   }
//
// To open a file for reading or writing, run file.Open("/path") or
// file.Create("/path"). A File object does not implement an io.Reader
// or io.Writer directly. Instead, you must call File.Reader or File.Writer to
// start reading or writing.  These methods are split from the File itself so
// that an application can pass different contexts to different I/O operations.
//
// File-system operations
//
// The file package provides functions similar to those in the standard os
// class.  For example, file.Remove("/path") removes a file, and
// file.Stat("/path") provides metadata about the file.
//
// Pathname utility functions
//
// The file package also provides functions that are similar to those in the
// standard filepath package. Functions file.Base, file.Dir, file.Join work just
// like filepath.{Base,Dir,Join}.
//
// Registering a filesystem implementation
//
// Function RegisterImplementation associates an implementation with a scheme
// ("s3", "http", "git", etc). A local file system implementation is
// automatically available without any explicit registration.
//
// Once an implementation is registered, files for that scheme can be opened
// or created using a "scheme:name" pathname; cmd/zsend only registers the
// local implementation, but a long-running service embedding this package
// could register others without changing the sink-writing code path.
//
// Differences from the os package
//
// The file package is similar to Go's standard os package.  The differences are
// the following.
//
// - Mutations to a File are restricted to whole-file writes. There is no option
// to overwrite a part of an existing file.
//
// - All the operations take a context parameter.
//
// - file.File does not implement io.Reader nor io.Writer directly. One must
// call File.Reader or File.Writer methods to obtain a reader or writer object.
//
// Concurrency
//
// The Implementation and File provide an open-close consistency.  More
// specifically, this package linearizes fileops, with a fileop defined in the
// following way: fileop is a set of operations, starting from
// Implementation.{Open,Create}, followed by read/write/stat operations on the
// file, followed by File.Close.  Operations such as
// Implementation.{Stat,Remove,List} and Lister.Scan form a singleton fileop.
//
// Caution: a local file system on NFS (w/o cache leasing) doesn't provide this
// guarantee.  Use NFS at your own risk.
package file
