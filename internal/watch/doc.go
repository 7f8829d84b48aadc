// Package watch reports file changes below the directories the editor has
// open. Changes are debounced and delivered in path order.
package watch
