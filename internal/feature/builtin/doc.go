// Package builtin provides the stock feature definitions shipped with the
// library: local case formatting plus the dictionary, translate, and
// summarize features backed by remote services.
package builtin
