// Command wisecow serves a cowsay-wrapped fortune to every TCP client.
//
// Run the server with the defaults (port 4499, fortune and cowsay from PATH):
//
//	wisecow
//
// Settings come from wisecow.ini in the working directory, or the file named by
// WISECOW_CONFIG. WISECOW_PORT and WISECOW_LOG_LEVEL override single values.
//
// Check a running server:
//
//	wisecow check localhost:4499
package main
