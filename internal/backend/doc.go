// Package backend defines the boundary to the external automation engine:
// the synchronous call surface every engine driver implements, the
// engine-native callback message format, and a registry of drivers that
// configuration selects from.
//
// An Engine is not safe for concurrent use. Exactly one goroutine may call
// its methods; callbacks arrive on a goroutine owned by the engine.
package backend
