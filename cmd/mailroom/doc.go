/*
Mailroom is an event mailbox daemon and its command-line client.

	mailroom serve --config mailroom.yaml
	mailroom register --duration 10m
	mailroom notify <id> --source orders --seq 1 --type created
	mailroom pull <id> --follow
*/
package main
