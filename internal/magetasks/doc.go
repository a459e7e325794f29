// Package magetasks holds the build, lint and test tasks behind the Magefile.
package magetasks
