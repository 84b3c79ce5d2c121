// Package manifest loads a YAML, TOML or JSON description of a shared
// context and its scheme mounts and registers the matching providers.
//
//	context: main
//	unique_schemes: true
//	mounts:
//	  - scheme: app
//	    assets: ./dist
//	    deny: ["**/*.map"]
//	  - scheme: dev
//	    proxy: http://127.0.0.1:5173
//	    timeout: 10s
package manifest
