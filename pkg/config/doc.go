/*
Package config loads daemon configuration with viper.

Values come from built-in defaults, then an optional YAML file, then
MAILROOM_* environment variables (dots become underscores), then any
flags bound by the caller:

	data_dir: /var/lib/mailroom
	api:
	  addr: 127.0.0.1:7070
	  health_addr: 127.0.0.1:9090
	log:
	  level: info
	  file: /var/log/mailroom.log
	eventlog:
	  durable: true
	  chunk_capacity: 10
	delivery:
	  workers: 10
	  max_attempts: 5
*/
package config
