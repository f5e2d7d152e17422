//go:build linux

// Package fusefs is the thin translation layer between the exFAT engine and
// the kernel's FUSE interface. No filesystem logic lives here: every
// operation resolves to one or two engine calls plus an errno mapping.
package fusefs

import (
	"context"
	"os"
	"path"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/salass00/exfat"
	"github.com/salass00/exfat/errors"
)

// FS adapts a mounted engine to bazil's fs.FS.
type FS struct {
	vol *exfat.FileSystem
}

func New(vol *exfat.FileSystem) *FS {
	return &FS{vol: vol}
}

func (f *FS) Root() (fs.Node, error) {
	return &Dir{vol: f.vol, node: f.vol.Root(), path: "/"}, nil
}

func toFuseErr(err error) error {
	if err == nil {
		return nil
	}
	return fuse.Errno(errors.ToErrno(err))
}

func fillAttr(vol *exfat.FileSystem, n *exfat.Node, a *fuse.Attr) {
	stat := vol.Stat(n)
	a.Inode = uint64(n.StartCluster())
	a.Size = uint64(stat.Size)
	a.Blocks = uint64(stat.NumBlocks) * uint64(stat.BlockSize) / 512
	a.Atime = stat.LastAccessed
	a.Mtime = stat.LastModified
	a.Ctime = stat.LastModified
	a.Crtime = stat.CreatedAt
	a.Mode = stat.Mode
	a.Nlink = 1
	a.Uid = stat.Uid
	a.Gid = stat.Gid
	a.BlockSize = uint32(stat.BlockSize)
}

// Dir is a directory node.
type Dir struct {
	vol  *exfat.FileSystem
	node *exfat.Node
	path string
}

func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	fillAttr(d.vol, d.node, a)
	return nil
}

func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	child, err := d.vol.Lookup(path.Join(d.path, name))
	if err != nil {
		return nil, toFuseErr(err)
	}
	childPath := path.Join(d.path, name)
	if child.IsDir() {
		return &Dir{vol: d.vol, node: child, path: childPath}, nil
	}
	return &File{vol: d.vol, node: child, path: childPath}, nil
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	it, err := d.vol.OpenDir(d.node)
	if err != nil {
		return nil, toFuseErr(err)
	}
	defer it.Close()

	var entries []fuse.Dirent
	for {
		child, err := it.Next()
		if err != nil {
			return entries, toFuseErr(err)
		}
		if child == nil {
			return entries, nil
		}
		entryType := fuse.DT_File
		if child.IsDir() {
			entryType = fuse.DT_Dir
		}
		entries = append(entries, fuse.Dirent{
			Inode: uint64(child.StartCluster()),
			Name:  child.Name(),
			Type:  entryType,
		})
		d.vol.PutNode(child)
	}
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	full := path.Join(d.path, req.Name)
	if err := d.vol.Mkdir(full); err != nil {
		return nil, toFuseErr(err)
	}
	child, err := d.vol.Lookup(full)
	if err != nil {
		return nil, toFuseErr(err)
	}
	return &Dir{vol: d.vol, node: child, path: full}, nil
}

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	full := path.Join(d.path, req.Name)
	if err := d.vol.Mknod(full); err != nil {
		return nil, nil, toFuseErr(err)
	}
	child, err := d.vol.Lookup(full)
	if err != nil {
		return nil, nil, toFuseErr(err)
	}
	file := &File{vol: d.vol, node: child, path: full}
	return file, file, nil
}

func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	child, err := d.vol.Lookup(path.Join(d.path, req.Name))
	if err != nil {
		return toFuseErr(err)
	}
	defer d.vol.PutNode(child)

	if req.Dir {
		return toFuseErr(d.vol.Rmdir(child))
	}
	return toFuseErr(d.vol.Unlink(child))
}

func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		return fuse.Errno(errors.ErrInvalidArgument.Errno())
	}
	return toFuseErr(d.vol.Rename(
		path.Join(d.path, req.OldName),
		path.Join(target.path, req.NewName)))
}

func (d *Dir) Forget() {
	if d.path != "/" {
		d.vol.PutNode(d.node)
	}
}

// File is a regular-file node; it doubles as its own handle.
type File struct {
	vol  *exfat.FileSystem
	node *exfat.Node
	path string
}

func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	fillAttr(f.vol, f.node, a)
	return nil
}

func (f *File) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := f.vol.Read(f.node, buf, req.Offset)
	if err != nil {
		return toFuseErr(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (f *File) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := f.vol.Write(f.node, req.Data, req.Offset)
	resp.Size = n
	return toFuseErr(err)
}

func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := f.vol.Truncate(f.node, int64(req.Size), true); err != nil {
			return toFuseErr(err)
		}
	}
	if req.Valid.Atime() || req.Valid.Mtime() {
		var atime, mtime = req.Atime, req.Mtime
		if !req.Valid.Atime() {
			atime = f.node.ATime()
		}
		if !req.Valid.Mtime() {
			mtime = f.node.MTime()
		}
		if err := f.vol.Utimes(f.node, atime, mtime); err != nil {
			return toFuseErr(err)
		}
	}
	if req.Valid.Mode() {
		// exFAT stores no permissions; accept plain mode changes and refuse
		// anything that tries to change the file type.
		if req.Mode&os.ModeType != 0 {
			return fuse.Errno(errors.ErrNotSupported.Errno())
		}
	}
	fillAttr(f.vol, f.node, &resp.Attr)
	return nil
}

func (f *File) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return toFuseErr(f.vol.FlushNode(f.node))
}

func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	if err := f.vol.FlushNode(f.node); err != nil {
		return toFuseErr(err)
	}
	return toFuseErr(f.vol.Sync())
}

func (f *File) Forget() {
	f.vol.PutNode(f.node)
}
