// Package main implements g3ctl, a command line tool for one-shot queries
// and actions against Tobii Pro Glasses 3.
//
// Usage:
//
//	g3ctl [flags] <command> [args]
//
// Commands:
//
//	discover              print the address of the glasses
//	battery               print the battery level in percent
//	status                print a status summary
//	get <parent> <prop>   read a property and print its JSON value
//	set <parent> <prop> <json>
//	                      write a property
//	action <parent> <name> [json args...]
//	                      call an action and print its JSON result
//	start | stop          start or stop a recording
//	folder <name>         set the folder name of the next recording
//	event <tag> [json]    insert an event into the ongoing recording
//	watch <parent> <signal>
//	                      print signal notifications until interrupted
//	livestream            print the RTSP URL of the scene camera stream
//
// The glasses are discovered unless -address or G3_ADDRESS is set.
package main
