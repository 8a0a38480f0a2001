/*
Package serve serves a directory of static files over HTTP on one or more endpoints.

The standard library provides the http.Handler and http.Server.

serve provides the rest: resolution of the serve.json/now.json/package.json
configuration, clean URLs, rewrites, redirects, custom headers, directory
listings, reverse proxying, TLS, access logs, statsd metrics and supervision
of the listeners until the process is signaled to stop.

Endpoints are given as listen descriptors:

   3000                         TCP port on all interfaces
   tcp://hostname:3000          TCP on a specific host
   unix:/path/to/socket.sock    UNIX domain socket
   pipe:\\.\pipe\PipeName       Windows named pipe

A port-only endpoint whose port is taken is moved to an ephemeral port,
unless port switching is disabled. Any other bind failure stops all
listeners already started.

With minimal "main" code you can serve a directory:

   err := serve.Main("public", []endpoint.Endpoint{endpoint.Port(3000)})

The configuration file is JSON (the file allows "//" comments):

   {
      "public" : "dist",
      "cleanUrls" : true,
      "rewrites" : [ { "source" : "/app/**", "destination" : "/index.html" } ],
      "headers" : [ { "source" : "*.js", "headers" : [ { "key" : "Cache-Control", "value" : "max-age=7200" } ] } ]
   }

*/
package serve
