package config

const schemaFile = "schema.cue"

// configSchema constrains CUE configuration files. It mirrors Config.
const configSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	dnf?: {
		binary?:       string & !=""
		options?:      [...string]
		install_root?: string
		repos?:        [...string]
	}
	store?: {
		path?:     string
		disabled?: bool
	}
	policy?: {
		paths?:     [...string & !=""]
		protected?: [...string & !=""]
		enable?:    [...string & !=""]
		disable?:   [...string & !=""]
		disabled?:  bool
	}
	telemetry?: {
		log_level?:        "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:       "console" | "json"
		trace_exporter?:   "none" | "stdout" | "otlp"
		trace_endpoint?:   string
		metrics_textfile?: string
	}
	progress?: {
		url?: =~"^(ws|wss|http|https)://"
	}
	remote?: {
		user?:                     string
		port?:                     int & >0 & <65536
		auth_method?:              "key" | "password" | "agent"
		key_path?:                 string
		known_hosts?:              string
		insecure_ignore_host_key?: bool
		runner_path?:              string
		remote_path?:              string & !=""
		sudo?:                     bool
		connect_timeout?:          #Duration
		command_timeout?:          #Duration
		ttl?:                      #Duration
	}
}
`
