// Package config defines the configuration for an Overpass relay.
//
// Regardless of how Overpass is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, Overpass relies on a data directory, defined by
// Config.DataDir, where it expects to find an additional file:
//
//  priv_key // a plain text file containing the raw private key (cf. overpass keygen).
package config
