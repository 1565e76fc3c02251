// Package tree serializes repository trees and provides path utilities for
// walking them.
package tree

import (
	"sort"
	"strings"

	"github.com/fruitsalade/fruitsalade/filerepo/pkg/models"
)

// SplitPath splits a slash-separated relative path into its segments,
// dropping empty segments. The root is the empty path.
func SplitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" && part != "." {
			parts = append(parts, part)
		}
	}
	return parts
}

// FindByPath resolves a slash-separated path relative to root.
func FindByPath(root *models.FileObject, path string) *models.FileObject {
	node := root
	for _, part := range SplitPath(path) {
		if node == nil || !node.IsDir() {
			return nil
		}
		node = node.Child(part)
	}
	return node
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "" || parentPath == "/" {
		return name
	}
	return parentPath + "/" + name
}

// CountNodes counts all nodes in a tree, including the root.
func CountNodes(root *models.FileObject) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Objects() {
		count += CountNodes(child)
	}
	return count
}

// Walk visits every node below root in lexical order, depth first. The root
// itself is visited with the empty path. Returning an error stops the walk.
func Walk(root *models.FileObject, fn func(path string, obj *models.FileObject) error) error {
	if root == nil {
		return nil
	}
	return walk("", root, fn)
}

func walk(path string, obj *models.FileObject, fn func(string, *models.FileObject) error) error {
	if err := fn(path, obj); err != nil {
		return err
	}
	for _, name := range obj.Names() {
		if err := walk(BuildChildPath(path, name), obj.Child(name), fn); err != nil {
			return err
		}
	}
	return nil
}

// Flatten returns all nodes in a flat map keyed by path.
func Flatten(root *models.FileObject) map[string]*models.FileObject {
	result := make(map[string]*models.FileObject)
	_ = Walk(root, func(path string, obj *models.FileObject) error {
		result[path] = obj
		return nil
	})
	return result
}

// Keys returns the sorted, de-duplicated content keys referenced by the tree.
func Keys(root *models.FileObject) []string {
	seen := map[string]bool{}
	_ = Walk(root, func(_ string, obj *models.FileObject) error {
		if key, ok := obj.Key(); ok {
			seen[key] = true
		}
		return nil
	})
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
