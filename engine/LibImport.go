//go:build !windows && cgo

package engine

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef struct {
	float confThreshold;
	float nmsThreshold;
	float scoreThreshold;
	int inpWidth;
	int inpHeight;
	const char* onnx_path;
} bw_config;

typedef struct {
	int class_id;
	float confidence;
	int x;
	int y;
	int width;
	int height;
} bw_detection;

typedef void* (*bw_create_fn)(bw_config);
typedef void (*bw_destroy_fn)(void*);
typedef void (*bw_detect_fn)(void*, unsigned char*, int, int, int);
typedef void (*bw_get_detections_fn)(void*, bw_detection*, int*);

static void* bw_create(void* fn, float conf, float nms, float score, int w, int h, const char* path) {
	bw_config cfg = {conf, nms, score, w, h, path};
	return ((bw_create_fn)fn)(cfg);
}

static void bw_destroy(void* fn, void* h) {
	((bw_destroy_fn)fn)(h);
}

static void bw_detect(void* fn, void* h, unsigned char* data, int length, int w, int hgt) {
	((bw_detect_fn)fn)(h, data, length, w, hgt);
}

static int bw_get_detections(void* fn, void* h, bw_detection* out, int capacity) {
	int num = capacity;
	((bw_get_detections_fn)fn)(h, out, &num);
	return num;
}
*/
import "C"

import (
	"errors"
	"unsafe"

	iface "github.com/RocketWill/ByteWhisperer/interface"
)

type proc = unsafe.Pointer

type dynLib struct {
	handle unsafe.Pointer
}

func dlerror() error {
	msg := C.dlerror()
	if msg == nil {
		return errors.New("unknown dynamic loader error")
	}
	return errors.New(C.GoString(msg))
}

func openLibrary(path string) (*dynLib, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))
	h := C.dlopen(cPath, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, dlerror()
	}
	return &dynLib{handle: h}, nil
}

func (l *dynLib) symbol(name string) (proc, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	C.dlerror()
	p := C.dlsym(l.handle, cName)
	if p == nil {
		return nil, dlerror()
	}
	return p, nil
}

func (l *dynLib) close() error {
	if C.dlclose(l.handle) != 0 {
		return dlerror()
	}
	return nil
}

func callCreate(p proc, cfg iface.Config) (uintptr, error) {
	cPath := C.CString(cfg.ModelPath)
	defer C.free(unsafe.Pointer(cPath))
	h := C.bw_create(p,
		C.float(cfg.ConfThreshold),
		C.float(cfg.NmsThreshold),
		C.float(cfg.ScoreThreshold),
		C.int(cfg.InpWidth),
		C.int(cfg.InpHeight),
		cPath,
	)
	return uintptr(h), nil
}

func callDestroy(p proc, h uintptr) {
	C.bw_destroy(p, *(*unsafe.Pointer)(unsafe.Pointer(&h)))
}

func callDetect(p proc, h uintptr, img iface.RawImage) {
	C.bw_detect(p, *(*unsafe.Pointer)(unsafe.Pointer(&h)),
		(*C.uchar)(unsafe.Pointer(&img.Data[0])),
		C.int(len(img.Data)),
		C.int(img.Width),
		C.int(img.Height),
	)
}

func callGetDetections(p proc, h uintptr, scratch []cDetection) int {
	n := C.bw_get_detections(p, *(*unsafe.Pointer)(unsafe.Pointer(&h)),
		(*C.bw_detection)(unsafe.Pointer(&scratch[0])),
		C.int(len(scratch)),
	)
	return int(n)
}
