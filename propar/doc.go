// Package propar implements the Bronkhorst PROPAR binary protocol: frame
// encoding and decoding with DLE byte stuffing, message construction with
// process and parameter chaining, and the (de)serialization of parameter
// values.
//
// The package is transport-agnostic. The master package owns the serial
// port and uses propar to translate between byte streams and messages.
//
// A frame on the wire is DLE STX <stuffed body> DLE ETX. The body, called
// the message, is seq|node|len|payload where payload starts with a command
// byte. See Message and the Build*/Parse* functions.
package propar
