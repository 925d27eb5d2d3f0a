// Package crawler holds the domain model shared by every stage of a bulk
// extraction run: tasks and results, the renderer and document contracts,
// error classification, and the retry policy.
package crawler
