package configstore

// Store loads and saves a settings document.
type Store interface {
	Load(out any) error
	Save(in any) error
}
