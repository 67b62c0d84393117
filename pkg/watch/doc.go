// Package watch reacts to file changes with fsnotify.
//
// A Watcher follows a dynamic set of project config files and calls back,
// debounced per file, when one changes. The daemon uses it to restart an
// app whose portless.yaml was edited. Follow tails a growing log file.
package watch
