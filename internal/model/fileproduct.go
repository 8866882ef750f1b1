// Copyright 2025 James Ross
package model

import "time"

// QCVerdict is the tri-state pass/fail/unknown quality-control result on
// a FileProductVersion.
type QCVerdict int

const (
	QCUnknown QCVerdict = iota
	QCFailed
	QCPassed
)

// FileProduct is the abstract identity of an output file. (directory,
// filename) is unique among non-deleted products.
type FileProduct struct {
	ProductID     int64
	GeneratorTask int64
	Directory     string
	Filename      string
	SemanticType  string
	MimeType      string
	PlannedTime   *time.Time
}

// FileProductVersion is a concrete on-disk realisation of a FileProduct.
type FileProductVersion struct {
	ProductVersionID        int64
	ProductID               int64
	GeneratedByTaskExecution int64
	RepositoryID             string
	CreatedTime              time.Time
	ModifiedTime             time.Time
	FileMD5                  string
	FileSize                 int64
	PassedQC                 QCVerdict
}

// Passed reports whether the version is available to consumers.
func (v FileProductVersion) Passed() bool { return v.PassedQC == QCPassed }
