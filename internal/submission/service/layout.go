package service

import (
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

const (
	solutionsDir   = "solutions"
	bucketAlphabet = "abcdefghijklmnopqrstuvwxyz234567"
)

// AuthorBucket maps a user to one of 32 directory names so a task directory
// does not grow one entry per student.
func AuthorBucket(userID int64) string {
	sum := blake2b.Sum256([]byte(strconv.FormatInt(userID, 10)))
	return string(bucketAlphabet[sum[0]&31])
}

// SolutionDir returns <root>/solutions/<year>/<slug>/<bucket>/<id>.
func SolutionDir(root string, year int, taskSlug string, userID, submissionID int64) string {
	return filepath.Join(
		root,
		solutionsDir,
		strconv.Itoa(year),
		taskSlug,
		AuthorBucket(userID),
		strconv.FormatInt(submissionID, 10),
	)
}
