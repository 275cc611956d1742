package blobcache

// KeyFunc derives the storage key for a caller id. It must be pure.
type KeyFunc func(id string) string

// JSONKey stores ids as json/{kind}/{id}.json.
func JSONKey(kind string) KeyFunc {
	return func(id string) string {
		return "json/" + kind + "/" + id + ".json"
	}
}

// HTMLKey stores ids as html/{kind}/{id}.html.
func HTMLKey(kind string) KeyFunc {
	return func(id string) string {
		return "html/" + kind + "/" + id + ".html"
	}
}
