package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// NonTrivialTypeError is the error wrapped by layout helpers when a type that must be
// trivial (free of pointers the garbage collector would need to scan) is not
var NonTrivialTypeError error = errors.New("type must not contain pointers, maps, channels, functions, interfaces, strings, or slices")
