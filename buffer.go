package archive

// getBufFromPool mengambil scratch buffer lookup dari pool atau membuat baru
// jika pool dimatikan. Ukuran buffer selalu ChunkSize+ElementSize byte, cukup
// untuk satu window chunk.
func (a *Archive) getBufFromPool() []byte {
	if a.bufPool != nil {
		return a.bufPool.Get().([]byte)
	}
	return make([]byte, a.opts.ChunkSize+a.opts.ElementSize)
}

// returnBufToPool mengembalikan buffer ke pool untuk digunakan kembali.
// Hanya buffer dengan ukuran tepat yang akan dimasukkan kembali ke pool untuk
// menghindari fragmentasi.
func (a *Archive) returnBufToPool(buf []byte) {
	if a.bufPool != nil && cap(buf) == a.opts.ChunkSize+a.opts.ElementSize {
		a.bufPool.Put(buf[:cap(buf)])
	}
}
