package exfat

import (
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/afero"
)

// OpenImage opens a raw exFAT image on the given filesystem and loads the
// volume structures, including the allocation bitmap. The caller closes the
// returned file.
func OpenImage(fs afero.Fs, filepath string) (f afero.File, er *ExfatReader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if f != nil {
				f.Close()
				f = nil
			}

			er = nil

			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	f, err = fs.Open(filepath)
	log.PanicIf(err)

	er = NewExfatReader(f)

	err = er.Parse()
	log.PanicIf(err)

	err = er.LoadAllocationBitmap()
	log.PanicIf(err)

	return f, er, nil
}
