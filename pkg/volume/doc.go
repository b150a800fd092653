/*
Package volume chooses the persistent volume that holds a user's home
directory.

Selector.Select walks a fixed order and stops at the first rule that
applies: the volume already on record for the user, a volume id given in the
launch options, a new empty volume of the requested size, or a new volume
restored from a snapshot. Created volumes are tagged with a Name derived from
the user so they can be found in the console.

The selection also reports where the volume came from. Only a new empty
volume needs a filesystem; a restored or reused one is mounted as is.
*/
package volume
