// Package assets is an Immediate scheme handler serving files from an
// fs.FS, with index fallback for directories and single byte-range
// requests for media.
//
//	site := assets.New(os.DirFS("dist"))
//	h.Register(ctxID, "app", site.Handler())
package assets
