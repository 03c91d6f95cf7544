// Package internal contains the implementation packages of assetpipe.
//
// # Package Organization
//
// The packages follow the path of a file through a build:
//
//   - rules: first-match-wins mapping from file patterns to stage chains
//   - transform: the stages (esbuild scripts, styles, Vue blocks, assets) and
//     the cached, concurrent executor that runs them
//   - asset: size and type based inlining of images, fonts and media
//   - resolve: import specifier resolution with extensions and aliases
//   - graph: the module graph, dead module and cycle detection
//   - chunk: partitioning of the graph into runtime, common and entry chunks
//   - output: linking chunks into scripts, stylesheets, maps and the manifest
//   - html: the document that loads each entry
//   - static: copying of the public directory
//   - lint: diagnostics reported next to build errors
//   - cache: in-memory LRU and on-disk transform caches
//   - pipeline: a build pass over all of the above
//   - watcher, devserver: rebuild on change and push updates to browsers
//   - publish: upload of a production build to object storage
//   - config, logging, errors, version: shared infrastructure
//
// # Modes
//
// Every stage reads one config.ModePolicy resolved at startup. Development
// favours rebuild speed and debuggability; production favours size and
// cacheability. No package branches on the mode string directly.
//
// # Concurrency
//
// A pass transforms files on a bounded worker pool and collects per-file
// errors instead of stopping at the first one. Passes of one pipeline are
// serialised; the dev server cancels a superseded rebuild and discards its
// result.
package internal
